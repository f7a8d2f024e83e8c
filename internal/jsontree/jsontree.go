// Package jsontree implements a generic, mutable tree representation
// of JSON documents. It exists because Azure resource templates
// (scale sets, VMs, NICs) are patched at deeply nested, variable
// paths (osProfile.customData, virtualMachineProfile.storageProfile
// .imageReference.id, sku.capacity, ...) and decoding into a fixed Go
// struct for every resource shape would require re-deriving Azure's
// entire ARM schema.
package jsontree

import (
	"bytes"
	"encoding/json"

	"github.com/grailbio/base/errors"
)

// Tree is a JSON value decoded with UseNumber so round-tripping
// through Get/Set never loses integer precision. Leaves are string,
// json.Number, bool, nil; composite nodes are map[string]interface{}
// and []interface{}.
type Tree struct {
	root interface{}
}

// Parse decodes b into a Tree.
func Parse(b []byte) (*Tree, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, errors.E(errors.Invalid, "parsing json", err)
	}
	return &Tree{root: v}, nil
}

// Clone returns a deep copy of t, so the receiver's template catalog
// entry is never mutated by a single reconcile call.
func (t *Tree) Clone() *Tree {
	return &Tree{root: clone(t.root)}
}

func clone(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, vv := range v {
			m[k] = clone(vv)
		}
		return m
	case []interface{}:
		a := make([]interface{}, len(v))
		for i, vv := range v {
			a[i] = clone(vv)
		}
		return a
	default:
		return v
	}
}

// Marshal serializes t back to JSON.
func (t *Tree) Marshal() ([]byte, error) {
	b, err := json.MarshalIndent(t.root, "", "  ")
	if err != nil {
		return nil, errors.E(errors.Invalid, "marshaling json", err)
	}
	return b, nil
}

// Raw returns the underlying decoded value, for callers that want to
// re-decode a subtree into a concrete struct.
func (t *Tree) Raw() interface{} { return t.root }

// Get walks path (one map key or decimal array index per segment)
// and returns the value found there, or (nil, false) if any segment
// is missing.
func (t *Tree) Get(path ...string) (interface{}, bool) {
	cur := t.root
	for _, seg := range path {
		next, ok := step(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// GetString is a convenience wrapper over Get for string leaves.
func (t *Tree) GetString(path ...string) (string, bool) {
	v, ok := t.Get(path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set walks path, creating intermediate maps as needed, and assigns
// value at the final segment. Array indices in path must already
// exist; Set does not grow arrays.
func (t *Tree) Set(value interface{}, path ...string) error {
	if len(path) == 0 {
		t.root = value
		return nil
	}
	if t.root == nil {
		t.root = map[string]interface{}{}
	}
	v, err := set(t.root, path, value)
	if err != nil {
		return err
	}
	t.root = v
	return nil
}

// set returns node with path set to value, creating intermediate
// maps as needed, descending into existing arrays by index.
func set(node interface{}, path []string, value interface{}) (interface{}, error) {
	seg := path[0]
	if idx, err := asIndex(seg); err == nil {
		a, ok := node.([]interface{})
		if !ok {
			return nil, errors.E(errors.Invalid, "jsontree: cannot index non-array at", seg)
		}
		if idx < 0 || idx >= len(a) {
			return nil, errors.E(errors.Invalid, "jsontree: index out of range", seg)
		}
		if len(path) == 1 {
			a[idx] = value
			return a, nil
		}
		child, err := set(a[idx], path[1:], value)
		if err != nil {
			return nil, err
		}
		a[idx] = child
		return a, nil
	}
	m, ok := node.(map[string]interface{})
	if !ok {
		if node == nil {
			m = map[string]interface{}{}
		} else {
			return nil, errors.E(errors.Invalid, "jsontree: cannot descend into non-object at", seg)
		}
	}
	if len(path) == 1 {
		m[seg] = value
		return m, nil
	}
	child, err := set(m[seg], path[1:], value)
	if err != nil {
		return nil, err
	}
	m[seg] = child
	return m, nil
}

// Append appends value to the array found at path.
func (t *Tree) Append(value interface{}, path ...string) error {
	v, ok := t.Get(path...)
	if !ok {
		return t.Set([]interface{}{value}, path...)
	}
	a, ok := v.([]interface{})
	if !ok {
		return errors.E(errors.Invalid, "jsontree: not an array at", path)
	}
	a = append(a, value)
	return t.Set(a, path...)
}

func step(cur interface{}, seg string) (interface{}, bool) {
	switch v := cur.(type) {
	case map[string]interface{}:
		next, ok := v[seg]
		return next, ok
	case []interface{}:
		idx, err := asIndex(seg)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	default:
		return nil, false
	}
}

func asIndex(seg string) (int, error) {
	n := 0
	for _, c := range seg {
		if c < '0' || c > '9' {
			return 0, errors.E(errors.Invalid, "jsontree: not an array index", seg)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
