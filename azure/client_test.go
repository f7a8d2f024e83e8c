package azure

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/mloubout/azmanagers"
)

type fakeSession struct{ token string }

func (f fakeSession) Token(ctx context.Context) (string, error) { return f.token, nil }

// redirectTransport rewrites every outbound request to target's host,
// so tests can exercise code that builds fixed management.azure.com
// URLs against an httptest.Server instead.
type redirectTransport struct{ target *url.URL }

func (t *redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	req.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestClient(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	target, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	c := NewClient(fakeSession{token: "tok"}, 3)
	c.HTTP.Transport = &redirectTransport{target: target}
	return c
}

func TestRequestSendsBearerToken(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	b, err := c.Request(context.Background(), "GET", ts.URL+"/thing", nil)
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer tok")
	}
	if !strings.Contains(string(b), "ok") {
		t.Errorf("body = %q", b)
	}
}

func TestRequestReturnsStatusErrorFor4xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	_, err := c.Request(context.Background(), "GET", ts.URL+"/missing", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	var statusErr *azmanagers.StatusError
	if !stderrors.As(err, &statusErr) {
		t.Fatalf("error %v is not a *azmanagers.StatusError", err)
	}
	if statusErr.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", statusErr.Status)
	}
}

func TestResourceURL(t *testing.T) {
	got := ResourceURL("sub1", "rg1", "Microsoft.Compute", "virtualMachineScaleSets", "vmss1", "2021-07-01")
	want := "https://management.azure.com/subscriptions/sub1/resourceGroups/rg1/providers/Microsoft.Compute/virtualMachineScaleSets/vmss1?api-version=2021-07-01"
	if got != want {
		t.Errorf("ResourceURL = %q, want %q", got, want)
	}
}
