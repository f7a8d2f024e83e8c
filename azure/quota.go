package azure

import (
	"context"
	"encoding/json"
	neturl "net/url"
	"strconv"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/singleflight"
)

// ErrInterrupted is returned by QuotaLoop when ctx is canceled while
// waiting for capacity, distinguishing a user-requested abort from a
// hard quota failure.
var ErrInterrupted = errors.E(errors.Canceled, "quota wait interrupted")

type sku struct {
	Name         string `json:"name"`
	Family       string `json:"family,omitempty"`
	Capabilities []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"capabilities,omitempty"`
	ResourceType string   `json:"resourceType"`
	Locations    []string `json:"locations"`
}

type skuList struct {
	Value []sku `json:"value"`
}

type usage struct {
	Name struct {
		Value string `json:"value"`
	} `json:"name"`
	CurrentValue int `json:"currentValue"`
	Limit        int `json:"limit"`
}

type usageList struct {
	Value []usage `json:"value"`
}

// Quota checks regular and spot core availability for a VM SKU
// against the master's own vCPU accounting.
type Quota struct {
	client *Client
	group  singleflight.Group

	skuCache *skuCache
}

// NewQuota returns a Quota checker sharing client's rate limit and
// retry budget.
func NewQuota(client *Client) *Quota {
	return &Quota{client: client, skuCache: newSKUCache()}
}

// vCPUsAndFamily resolves the vCPU count and billing family for
// vmSize in location, caching results across calls since SKU
// capabilities do not change during a manager's lifetime.
func (q *Quota) vCPUsAndFamily(ctx context.Context, subscriptionID, location, vmSize string) (vcpus int, family string, err error) {
	if v, f, ok := q.skuCache.get(location, vmSize); ok {
		return v, f, nil
	}
	key := location + "/" + vmSize
	result, err, _ := q.group.Do(key, func() (interface{}, error) {
		url := "https://management.azure.com/subscriptions/" + subscriptionID +
			"/providers/Microsoft.Compute/skus?api-version=2019-04-01&$filter=" + neturl.QueryEscape("location eq '"+location+"'")
		b, err := q.client.Request(ctx, "GET", url, nil)
		if err != nil {
			return nil, err
		}
		var list skuList
		if err := json.Unmarshal(b, &list); err != nil {
			return nil, errors.E(errors.Invalid, "decoding skus response", err)
		}
		for _, s := range list.Value {
			if s.Name != vmSize || s.ResourceType != "virtualMachines" {
				continue
			}
			for _, c := range s.Capabilities {
				if c.Name == "vCPUs" {
					if n, err := strconv.Atoi(c.Value); err == nil {
						q.skuCache.put(location, vmSize, n, s.Family)
						return [2]interface{}{n, s.Family}, nil
					}
				}
			}
		}
		return nil, errors.E(errors.NotExist, "sku not found", vmSize, "in", location)
	})
	if err != nil {
		return 0, "", err
	}
	pair := result.([2]interface{})
	return pair[0].(int), pair[1].(string), nil
}

// Available returns the number of additional regular and spot cores
// available for family in location.
func (q *Quota) Available(ctx context.Context, subscriptionID, location, family string) (regular, spot int, err error) {
	url := "https://management.azure.com/subscriptions/" + subscriptionID +
		"/providers/Microsoft.Compute/locations/" + location + "/usages?api-version=2019-07-01"
	b, err := q.client.Request(ctx, "GET", url, nil)
	if err != nil {
		return 0, 0, err
	}
	var list usageList
	if err := json.Unmarshal(b, &list); err != nil {
		return 0, 0, errors.E(errors.Invalid, "decoding usages response", err)
	}
	for _, u := range list.Value {
		switch u.Name.Value {
		case family:
			regular = u.Limit - u.CurrentValue
		case "lowPriorityCores":
			spot = u.Limit - u.CurrentValue
		}
	}
	return regular, spot, nil
}

// QuotaLoop blocks, polling once per minute, until nRequested
// instances of vmSize can be added without exceeding the regular
// quota (or the spot quota when spot is true), or ctx is canceled.
func (q *Quota) QuotaLoop(ctx context.Context, subscriptionID, location, vmSize string, nRequested int, spot bool) error {
	vcpus, family, err := q.vCPUsAndFamily(ctx, subscriptionID, location, vmSize)
	if err != nil {
		return err
	}
	for {
		regular, spotAvail, err := q.Available(ctx, subscriptionID, location, family)
		if err != nil {
			return err
		}
		available := regular
		if spot {
			available = spotAvail
		}
		if available >= nRequested*vcpus {
			return nil
		}
		log.Printf("azure: waiting for quota: need %d vCPUs (%d available) for %s in %s", nRequested*vcpus, available, vmSize, location)
		select {
		case <-time.After(60 * time.Second):
		case <-ctx.Done():
			return ErrInterrupted
		}
	}
}
