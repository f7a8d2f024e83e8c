package azure

import (
	"context"
	stderrors "errors"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/mloubout/azmanagers"
	"github.com/mloubout/azmanagers/internal/jsontree"
)

const (
	apiVersionVM  = "2019-07-01"
	apiVersionNIC = "2020-03-01"
)

// VMKey identifies a standalone (non-scale-set) virtual machine.
type VMKey struct {
	SubscriptionID string
	ResourceGroup  string
	Name           string
}

func vmURL(key VMKey) string {
	return ResourceURL(key.SubscriptionID, key.ResourceGroup, "Microsoft.Compute", "virtualMachines", key.Name, apiVersionVM)
}

func nicURL(key VMKey, nicName string) string {
	return ResourceURL(key.SubscriptionID, key.ResourceGroup, "Microsoft.Network", "networkInterfaces", nicName, apiVersionNIC)
}

// CreateNIC PUTs a NIC template, returning its resource id for
// injection into the VM template's networkProfile.
func (r *Reconciler) CreateNIC(ctx context.Context, key VMKey, nicName string, template *jsontree.Tree) (string, error) {
	body, err := template.Marshal()
	if err != nil {
		return "", err
	}
	b, err := r.Client.Request(ctx, "PUT", nicURL(key, nicName), body)
	if err != nil {
		return "", errors.E(errors.Fatal, "creating nic", nicName, err)
	}
	tree, err := jsontree.Parse(b)
	if err != nil {
		return "", err
	}
	id, ok := tree.GetString("id")
	if !ok {
		return "", errors.E(errors.Invalid, "nic response missing id")
	}
	return id, nil
}

// PrivateIP fetches the NIC's assigned private IP address.
func (r *Reconciler) PrivateIP(ctx context.Context, key VMKey, nicName string) (string, error) {
	b, err := r.Client.Request(ctx, "GET", nicURL(key, nicName)+"&expand=ipconfigurations", nil)
	if err != nil {
		return "", err
	}
	tree, err := jsontree.Parse(b)
	if err != nil {
		return "", err
	}
	ip, ok := tree.GetString("properties", "ipConfigurations", "0", "properties", "privateIPAddress")
	if !ok {
		return "", errors.E(errors.Unavailable, "nic has no private ip yet")
	}
	return ip, nil
}

// DeleteNIC removes the network interface backing a standalone VM.
func (r *Reconciler) DeleteNIC(ctx context.Context, key VMKey, nicName string) error {
	_, err := r.Client.Request(ctx, "DELETE", nicURL(key, nicName), nil)
	if err != nil {
		var statusErr *azmanagers.StatusError
		if stderrors.As(err, &statusErr) && statusErr.Status == 404 {
			return nil
		}
		return errors.E(errors.Fatal, "deleting nic", nicName, err)
	}
	return nil
}

// CreateVM patches authorizedKey, customData, and the boot image
// into template and PUTs the standalone VM. If imageName/sigImageName
// are both empty, the image of the host issuing the request is
// resolved and used instead, matching a standalone detached-service
// VM to whatever image its caller is running.
func (r *Reconciler) CreateVM(ctx context.Context, key VMKey, template *jsontree.Tree, nicID, authorizedKey, customData, sshUser, imageName, sigImageName, sigImageVersion string) error {
	tmpl := template.Clone()
	if err := tmpl.Set(nicID, "properties", "networkProfile", "networkInterfaces", "0", "id"); err != nil {
		return err
	}
	if err := tmpl.Append(map[string]interface{}{
		"path":    "/home/" + sshUser + "/.ssh/authorized_keys",
		"keyData": authorizedKey,
	}, "properties", "osProfile", "linuxConfiguration", "ssh", "publicKeys"); err != nil {
		return err
	}
	if err := tmpl.Set(EncodeCustomData(customData), "properties", "osProfile", "customData"); err != nil {
		return err
	}
	if imageName == "" && sigImageName == "" {
		var err error
		sigImageName, sigImageVersion, imageName, err = ResolveLocalImage(ctx)
		if err != nil {
			return err
		}
	}
	if err := PatchImageReference(tmpl, []string{"properties", "storageProfile"}, imageName, sigImageName, sigImageVersion); err != nil {
		return err
	}
	body, err := tmpl.Marshal()
	if err != nil {
		return err
	}
	if _, err := r.Client.Request(ctx, "PUT", vmURL(key), body); err != nil {
		return errors.E(errors.Fatal, "creating vm", key.Name, err)
	}
	log.Printf("azure: creating vm %s", key.Name)
	return nil
}

// VMProvisioningState returns the VM's properties.provisioningState,
// or (_, true) if the VM does not exist.
func (r *Reconciler) VMProvisioningState(ctx context.Context, key VMKey) (state string, gone bool, err error) {
	b, err := r.Client.Request(ctx, "GET", vmURL(key), nil)
	if err != nil {
		var statusErr *azmanagers.StatusError
		if stderrors.As(err, &statusErr) && statusErr.Status == 404 {
			return "", true, nil
		}
		return "", false, err
	}
	tree, err := jsontree.Parse(b)
	if err != nil {
		return "", false, err
	}
	s, _ := tree.GetString("properties", "provisioningState")
	return s, false, nil
}

// DeleteVM issues the DELETE that starts a standalone VM's teardown.
func (r *Reconciler) DeleteVM(ctx context.Context, key VMKey) error {
	_, err := r.Client.Request(ctx, "DELETE", vmURL(key), nil)
	if err != nil {
		var statusErr *azmanagers.StatusError
		if stderrors.As(err, &statusErr) && statusErr.Status == 404 {
			return nil
		}
		return errors.E(errors.Fatal, "deleting vm", key.Name, err)
	}
	log.Printf("azure: deleting vm %s", key.Name)
	return nil
}
