package jsontree

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGetSet(t *testing.T) {
	tr, err := Parse([]byte(`{"sku":{"capacity":2,"tier":"Standard"},"tags":["a","b"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := tr.GetString("sku", "tier"); !ok || v != "Standard" {
		t.Errorf("GetString(sku,tier) = %q, %v", v, ok)
	}
	if err := tr.Set(json.Number("5"), "sku", "capacity"); err != nil {
		t.Fatal(err)
	}
	if v, ok := tr.Get("sku", "capacity"); !ok || v != json.Number("5") {
		t.Errorf("Get(sku,capacity) = %v, %v", v, ok)
	}
}

func TestSetCreatesIntermediateObjects(t *testing.T) {
	tr, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Set("abc", "osProfile", "customData"); err != nil {
		t.Fatal(err)
	}
	v, ok := tr.GetString("osProfile", "customData")
	if !ok || v != "abc" {
		t.Errorf("GetString(osProfile,customData) = %q, %v", v, ok)
	}
}

func TestAppend(t *testing.T) {
	tr, err := Parse([]byte(`{"linuxConfiguration":{"ssh":{"publicKeys":[]}}}`))
	if err != nil {
		t.Fatal(err)
	}
	entry := map[string]interface{}{"path": "/home/azureuser/.ssh/authorized_keys", "keyData": "ssh-rsa AAAA"}
	if err := tr.Append(entry, "linuxConfiguration", "ssh", "publicKeys"); err != nil {
		t.Fatal(err)
	}
	v, ok := tr.Get("linuxConfiguration", "ssh", "publicKeys")
	if !ok {
		t.Fatal("publicKeys missing")
	}
	got := v.([]interface{})
	if len(got) != 1 {
		t.Fatalf("len(publicKeys) = %d, want 1", len(got))
	}
	if diff := cmp.Diff(entry, got[0]); diff != "" {
		t.Errorf("publicKeys[0] mismatch:\n%s", diff)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	tr, err := Parse([]byte(`{"a":{"b":1}}`))
	if err != nil {
		t.Fatal(err)
	}
	clone := tr.Clone()
	if err := clone.Set("changed", "a", "b"); err != nil {
		t.Fatal(err)
	}
	orig, _ := tr.GetString("a", "b")
	if orig == "changed" {
		t.Errorf("Clone mutated the original tree")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	src := []byte(`{"sku":{"capacity":2}}`)
	tr, err := Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	out, err := tr.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	tr2, err := Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(tr.Raw(), tr2.Raw()); diff != "" {
		t.Errorf("round trip mismatch:\n%s", diff)
	}
}
