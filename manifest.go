package azmanagers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Manifest holds the defaults a caller may omit from an operation;
// they are read once from disk and held for the lifetime of the
// process.
type Manifest struct {
	ResourceGroup     string `json:"resourcegroup,omitempty"`
	SubscriptionID    string `json:"subscriptionid,omitempty"`
	SSHUser           string `json:"ssh_user,omitempty"`
	SSHPublicKeyFile  string `json:"ssh_public_key_file,omitempty"`
	SSHPrivateKeyFile string `json:"ssh_private_key_file,omitempty"`
}

var (
	manifestOnce sync.Once
	manifest     Manifest
	manifestErr  error
)

// ConfigDir returns the directory azmanagers stores its manifest and
// template catalogs in, creating it (mode 0700) if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.E(errors.Fatal, "determining home directory", err)
	}
	dir := filepath.Join(home, ".azmanagers")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", errors.E(errors.Fatal, "creating config directory", err)
	}
	return dir, nil
}

// LoadManifest reads the on-disk manifest, caching the result for
// the remainder of the process. A missing manifest file is not an
// error; it yields a zero-valued Manifest.
func LoadManifest() (Manifest, error) {
	manifestOnce.Do(func() {
		dir, err := ConfigDir()
		if err != nil {
			manifestErr = err
			return
		}
		path := filepath.Join(dir, "manifest.json")
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				log.Debug.Printf("no manifest at %s, using defaults", path)
				return
			}
			manifestErr = errors.E(errors.Fatal, "reading manifest", err)
			return
		}
		if err := json.Unmarshal(b, &manifest); err != nil {
			manifestErr = errors.E(errors.Invalid, "parsing manifest", err)
		}
	})
	return manifest, manifestErr
}

// SaveManifest writes m to disk with owner-only permissions,
// replacing the cached value for the remainder of the process.
func SaveManifest(m Manifest) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.E(errors.Invalid, "encoding manifest", err)
	}
	path := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(path, b, 0600); err != nil {
		return errors.E(errors.Fatal, "writing manifest", err)
	}
	manifest = m
	return nil
}
