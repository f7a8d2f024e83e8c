package azure

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
)

// imdsEndpoint is the well-known IMDS address, overridden in tests
// to point at an httptest.Server instead of the real link-local host.
var imdsEndpoint = "http://169.254.169.254"

// ManagedIdentitySession is a SessionProvider that fetches bearer
// tokens from the Instance Metadata Service's managed-identity
// endpoint. It is the session a worker or detached-service VM uses:
// such VMs carry no client secret, only whatever system-assigned
// identity the scale-set/VM template granted them.
type ManagedIdentitySession struct {
	mu      sync.Mutex
	token   string
	expires time.Time
}

type imdsTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresOn   string `json:"expires_on"`
}

// Token returns a cached bearer token, refreshing it from IMDS once
// it is within a minute of expiring.
func (s *ManagedIdentitySession) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Until(s.expires) > time.Minute {
		return s.token, nil
	}
	v := url.Values{}
	v.Set("api-version", "2018-02-01")
	v.Set("resource", "https://management.azure.com/")
	req, err := http.NewRequestWithContext(ctx, "GET", imdsEndpoint+"/metadata/identity/oauth2/token?"+v.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Metadata", "true")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.E(errors.Unavailable, "fetching managed-identity token", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", errors.E(errors.Unavailable, "managed-identity token request failed", resp.StatusCode, string(b))
	}
	var tr imdsTokenResponse
	if err := json.Unmarshal(b, &tr); err != nil {
		return "", errors.E(errors.Invalid, "decoding managed-identity token response", err)
	}
	s.token = tr.AccessToken
	s.expires = time.Now().Add(55 * time.Minute)
	return s.token, nil
}

// scheduledEvent is one entry of IMDS's scheduled-events document.
type scheduledEvent struct {
	EventType string `json:"EventType"`
}

type scheduledEventsDoc struct {
	Events []scheduledEvent `json:"Events"`
}

// Preempted reports whether the VM the calling process runs on has a
// pending Preempt scheduled event, so a spot worker can detect
// eviction before its keepalive to the manager simply stops
// arriving.
func Preempted(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET",
		imdsEndpoint+"/metadata/scheduledevents?api-version=2019-08-01", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Metadata", "true")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, errors.E(errors.Unavailable, "querying scheduled events", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	var doc scheduledEventsDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return false, errors.E(errors.Invalid, "decoding scheduled events", err)
	}
	for _, e := range doc.Events {
		if e.EventType == "Preempt" {
			return true, nil
		}
	}
	return false, nil
}

// imdsComputeDoc is the subset of IMDS's compute document this
// package needs to identify the VM it is running on.
type imdsComputeDoc struct {
	SubscriptionID string `json:"subscriptionId"`
	ResourceGroup  string `json:"resourceGroupName"`
	Name           string `json:"name"`
}

// ResolveLocalIdentity queries IMDS for the subscription, resource
// group, and name of the VM the calling process runs on, so a
// detached-service instance can identify and later delete itself
// without being told its own identity out of band.
func ResolveLocalIdentity(ctx context.Context) (subscriptionID, resourceGroup, name string, err error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET",
		imdsEndpoint+"/metadata/instance/compute?api-version=2019-06-01", nil)
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("Metadata", "true")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", "", errors.E(errors.Unavailable, "querying instance metadata service", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", "", err
	}
	var doc imdsComputeDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return "", "", "", errors.E(errors.Invalid, "decoding instance metadata compute document", err)
	}
	return doc.SubscriptionID, doc.ResourceGroup, doc.Name, nil
}
