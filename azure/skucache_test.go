package azure

import "testing"

func TestSKUCacheGetPutRoundTrip(t *testing.T) {
	c := newSKUCache()
	if _, _, ok := c.get("eastus", "Standard_D2s_v3"); ok {
		t.Fatal("expected a miss on an empty cache")
	}
	c.put("eastus", "Standard_D2s_v3", 2, "standardDSv3Family")
	vcpus, family, ok := c.get("eastus", "Standard_D2s_v3")
	if !ok {
		t.Fatal("expected a hit after put")
	}
	if vcpus != 2 || family != "standardDSv3Family" {
		t.Errorf("got (%d, %q), want (2, %q)", vcpus, family, "standardDSv3Family")
	}
}

func TestSKUCacheIsPerLocation(t *testing.T) {
	c := newSKUCache()
	c.put("eastus", "Standard_D2s_v3", 2, "fam")
	if _, _, ok := c.get("westus", "Standard_D2s_v3"); ok {
		t.Error("expected a miss for a different location")
	}
}
