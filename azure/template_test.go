package azure

import (
	"testing"

	"github.com/mloubout/azmanagers/internal/jsontree"
)

func TestLoadCatalogReturnsEmptyWhenFileMissing(t *testing.T) {
	c, err := LoadCatalog(t.TempDir(), "templates_vm.json")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Names()) != 0 {
		t.Errorf("expected an empty catalog, got %v", c.Names())
	}
	if _, err := c.Get("vm"); err == nil {
		t.Error("expected an error fetching a missing template")
	}
}

func TestCatalogPutGetRoundTripsAndPersists(t *testing.T) {
	dir := t.TempDir()
	c, err := LoadCatalog(dir, "templates_vm.json")
	if err != nil {
		t.Fatal(err)
	}
	tree, err := jsontree.Parse([]byte(`{"properties":{"vmSize":"Standard_D2s_v3"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put("default", tree); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadCatalog(dir, "templates_vm.json")
	if err != nil {
		t.Fatal(err)
	}
	got, err := reloaded.Get("default")
	if err != nil {
		t.Fatal(err)
	}
	size, ok := got.GetString("properties", "vmSize")
	if !ok || size != "Standard_D2s_v3" {
		t.Errorf("vmSize = %q, %v, want Standard_D2s_v3, true", size, ok)
	}
}

func TestCatalogGetReturnsIndependentTrees(t *testing.T) {
	dir := t.TempDir()
	c, _ := LoadCatalog(dir, "templates_vm.json")
	tree, _ := jsontree.Parse([]byte(`{"properties":{"vmSize":"Standard_D2s_v3"}}`))
	if err := c.Put("default", tree); err != nil {
		t.Fatal(err)
	}

	a, err := c.Get("default")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Set("Standard_D4s_v3", "properties", "vmSize"); err != nil {
		t.Fatal(err)
	}
	b, err := c.Get("default")
	if err != nil {
		t.Fatal(err)
	}
	size, _ := b.GetString("properties", "vmSize")
	if size != "Standard_D2s_v3" {
		t.Errorf("mutating one fetched tree leaked into the catalog: vmSize = %q", size)
	}
}
