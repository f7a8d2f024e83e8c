// Package azure implements a thin, retrying REST client over the
// Azure Resource Manager and Instance Metadata Service APIs, plus
// the scale-set reconciler, image resolver, quota checker, and
// cloud-init builder that sit on top of it.
//
// Azure resource bodies are manipulated as generic JSON trees
// (package jsontree) rather than decoded into typed ARM structs:
// templates are user-authored JSON documents patched at a handful of
// deep, variable paths, and a generated SDK's fixed struct shapes
// would fight that rather than help it.
package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/grailbio/base/log"
	"golang.org/x/net/context/ctxhttp"
	"golang.org/x/time/rate"

	"github.com/mloubout/azmanagers"
)

// SessionProvider supplies the bearer token used to authenticate
// against management.azure.com. Acquiring that token (device code,
// managed identity, client secret, ...) is outside this package's
// scope; callers plug in whichever flow fits their deployment.
type SessionProvider interface {
	Token(ctx context.Context) (string, error)
}

// limiter throttles outbound calls to Azure's control plane from this
// process to one call every 200ms on average, with bursts of up to 5.
var limiter = rate.NewLimiter(rate.Every(200*time.Millisecond), 5)

// Client wraps a SessionProvider with the retry and rate-limiting
// policy every call in this package is built on.
type Client struct {
	Session SessionProvider
	NRetry  int
	HTTP    *http.Client
}

// NewClient returns a Client with a retry budget and HTTP transport
// suitable for long-lived manager processes.
func NewClient(session SessionProvider, nretry int) *Client {
	return &Client{
		Session: session,
		NRetry:  nretry,
		HTTP: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// Request performs method against url with the given JSON body (nil
// for none), retrying transient failures and status codes according
// to the manager's retry policy. It returns the raw response body
// or a *azmanagers.StatusError for any status >= 300 the retry
// policy gives up on.
func (c *Client) Request(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var result []byte
	err := azmanagers.WithRetry(ctx, c.NRetry, func(ctx context.Context) error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		token, err := c.Session.Token(ctx)
		if err != nil {
			return err
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		log.Debug.Printf("azure: %s %s", method, url)
		resp, err := ctxhttp.Do(ctx, c.HTTP, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 300 {
			return &azmanagers.StatusError{
				Status:     resp.StatusCode,
				Body:       b,
				URL:        url,
				RetryAfter: retryAfterSeconds(resp.Header),
			}
		}
		result = b
		return nil
	})
	return result, err
}

func retryAfterSeconds(h http.Header) int {
	return azmanagers.RetryAfterFromHeader(h)
}

// ResourceURL builds an ARM resource URL from its components.
func ResourceURL(subscriptionID, resourceGroup, provider, resourceType, name, apiVersion string) string {
	return fmt.Sprintf(
		"https://management.azure.com/subscriptions/%s/resourceGroups/%s/providers/%s/%s/%s?api-version=%s",
		subscriptionID, resourceGroup, provider, resourceType, name, apiVersion,
	)
}
