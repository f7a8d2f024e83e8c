package azure

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/mloubout/azmanagers/internal/jsontree"
)

// imdsImageRef is the shape of the instance metadata service's
// imageReference document.
type imdsImageRef struct {
	ID        string `json:"id"`
	Publisher string `json:"publisher"`
	Offer     string `json:"offer"`
	SKU       string `json:"sku"`
	Version   string `json:"version"`
}

// ResolveLocalImage queries the Azure Instance Metadata Service on
// the current host for the image it was booted from, returning
// whichever of sigImageName/imageName identifies it. It is used when
// a caller does not specify an image explicitly: new workers are
// assumed to want the same image as the machine issuing the request.
func ResolveLocalImage(ctx context.Context) (sigImageName, sigImageVersion, imageName string, err error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET",
		imdsEndpoint+"/metadata/instance/compute/storageProfile/imageReference?api-version=2019-06-01", nil)
	if err != nil {
		return "", "", "", err
	}
	req.Header.Set("Metadata", "true")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", "", errors.E(errors.Unavailable, "querying instance metadata service", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", "", err
	}
	var ref imdsImageRef
	if err := json.Unmarshal(b, &ref); err != nil {
		return "", "", "", errors.E(errors.Invalid, "decoding imageReference", err)
	}
	if strings.Contains(ref.ID, "/galleries/") {
		parts := strings.Split(ref.ID, "/")
		for i, p := range parts {
			if p == "images" && i+1 < len(parts) {
				sigImageName = parts[i+1]
			}
			if p == "versions" && i+1 < len(parts) {
				sigImageVersion = parts[i+1]
			}
		}
		return sigImageName, sigImageVersion, "", nil
	}
	parts := strings.Split(ref.ID, "/")
	if len(parts) > 0 {
		imageName = parts[len(parts)-1]
	}
	return "", "", imageName, nil
}

// PatchImageReference rewrites the imageReference.id field found at
// basePath (either "virtualMachineProfile.storageProfile" for a
// scale set or "storageProfile" for a standalone VM) according to
// the precedence rules: an explicit imageName wins over a
// shared image gallery name+version.
func PatchImageReference(tree *jsontree.Tree, basePath []string, imageName, sigImageName, sigImageVersion string) error {
	path := append(append([]string{}, basePath...), "imageReference", "id")
	cur, ok := tree.GetString(path...)
	if !ok {
		return errors.E(errors.Invalid, "template missing imageReference.id at", basePath)
	}
	segs := strings.Split(cur, "/")
	switch {
	case imageName != "":
		if len(segs) < 4 {
			return errors.E(errors.Invalid, "imageReference.id too short to patch", cur)
		}
		segs = append(segs[:len(segs)-4], "images", imageName)
	case sigImageName != "":
		if len(segs) < 1 {
			return errors.E(errors.Invalid, "imageReference.id too short to patch", cur)
		}
		segs = append(segs[:len(segs)-1], sigImageName)
		if sigImageVersion != "" {
			segs = append(segs, "versions", sigImageVersion)
		}
	default:
		return errors.E(errors.Invalid, "no image specified and none could be resolved")
	}
	newID := strings.Join(segs, "/")
	log.Debug.Printf("azure: patched imageReference.id -> %s", newID)
	return tree.Set(newID, path...)
}
