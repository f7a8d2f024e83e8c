package azure

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/mloubout/azmanagers/internal/jsontree"
)

// Catalog is a named collection of resource templates, one of
// templates_scaleset.json, templates_vm.json, or templates_nic.json
// in the config directory.
type Catalog struct {
	path    string
	entries map[string]json.RawMessage
}

// LoadCatalog reads the named catalog file from dir, returning an
// empty catalog if the file does not yet exist.
func LoadCatalog(dir, name string) (*Catalog, error) {
	path := filepath.Join(dir, name)
	c := &Catalog{path: path, entries: map[string]json.RawMessage{}}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.E(errors.Fatal, "reading catalog", path, err)
	}
	if err := json.Unmarshal(b, &c.entries); err != nil {
		return nil, errors.E(errors.Invalid, "parsing catalog", path, err)
	}
	return c, nil
}

// Get returns a freshly parsed, independently mutable Tree for the
// named template.
func (c *Catalog) Get(name string) (*jsontree.Tree, error) {
	raw, ok := c.entries[name]
	if !ok {
		return nil, errors.E(errors.NotExist, "no such template", name)
	}
	return jsontree.Parse(raw)
}

// Put stores tree under name and persists the catalog to disk.
func (c *Catalog) Put(name string, tree *jsontree.Tree) error {
	b, err := tree.Marshal()
	if err != nil {
		return err
	}
	c.entries[name] = json.RawMessage(b)
	return c.save()
}

// Names lists the templates currently in the catalog.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}
	return names
}

func (c *Catalog) save() error {
	b, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return errors.E(errors.Invalid, "encoding catalog", err)
	}
	if err := os.WriteFile(c.path, b, 0600); err != nil {
		return errors.E(errors.Fatal, "writing catalog", c.path, err)
	}
	log.Debug.Printf("azure: saved catalog %s (%d entries)", c.path, len(c.entries))
	return nil
}
