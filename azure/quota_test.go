package azure

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVCPUsAndFamilyParsesSKUList(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[
			{"name":"Standard_D2s_v3","resourceType":"virtualMachines","family":"standardDSv3Family",
			 "capabilities":[{"name":"vCPUs","value":"2"}]}
		]}`))
	}))
	defer ts.Close()

	q := NewQuota(newTestClient(t, ts))
	vcpus, family, err := q.vCPUsAndFamily(context.Background(), "sub", "eastus", "Standard_D2s_v3")
	if err != nil {
		t.Fatal(err)
	}
	if vcpus != 2 || family != "standardDSv3Family" {
		t.Errorf("got (%d, %q), want (2, %q)", vcpus, family, "standardDSv3Family")
	}

	// Second call should be served from cache, not the (now-broken) server.
	ts.Close()
	vcpus2, family2, err := q.vCPUsAndFamily(context.Background(), "sub", "eastus", "Standard_D2s_v3")
	if err != nil {
		t.Fatalf("expected cached result, got error: %v", err)
	}
	if vcpus2 != vcpus || family2 != family {
		t.Errorf("cached result diverged: (%d,%q) vs (%d,%q)", vcpus2, family2, vcpus, family)
	}
}

func TestVCPUsAndFamilyNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[]}`))
	}))
	defer ts.Close()

	q := NewQuota(newTestClient(t, ts))
	_, _, err := q.vCPUsAndFamily(context.Background(), "sub", "eastus", "Standard_Nope")
	if err == nil {
		t.Fatal("expected an error for an unknown sku")
	}
}

func TestAvailableComputesRegularAndSpot(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[
			{"name":{"value":"standardDSv3Family"},"currentValue":4,"limit":10},
			{"name":{"value":"lowPriorityCores"},"currentValue":1,"limit":20}
		]}`))
	}))
	defer ts.Close()

	q := NewQuota(newTestClient(t, ts))
	regular, spot, err := q.Available(context.Background(), "sub", "eastus", "standardDSv3Family")
	if err != nil {
		t.Fatal(err)
	}
	if regular != 6 {
		t.Errorf("regular = %d, want 6", regular)
	}
	if spot != 19 {
		t.Errorf("spot = %d, want 19", spot)
	}
}

func TestQuotaLoopReturnsImmediatelyWhenAvailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case len(r.URL.Query().Get("$filter")) > 0:
			w.Write([]byte(`{"value":[{"name":"Standard_D2s_v3","resourceType":"virtualMachines","family":"fam","capabilities":[{"name":"vCPUs","value":"2"}]}]}`))
		default:
			w.Write([]byte(`{"value":[{"name":{"value":"fam"},"currentValue":0,"limit":100}]}`))
		}
	}))
	defer ts.Close()

	q := NewQuota(newTestClient(t, ts))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.QuotaLoop(ctx, "sub", "eastus", "Standard_D2s_v3", 4, false); err != nil {
		t.Fatal(err)
	}
}
