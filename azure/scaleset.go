package azure

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/mloubout/azmanagers"
	"github.com/mloubout/azmanagers/internal/jsontree"
)

// ScaleSetKey identifies a managed scale set.
type ScaleSetKey struct {
	SubscriptionID string
	ResourceGroup  string
	ScaleSet       string
}

const (
	apiVersionVMSS       = "2019-12-01"
	apiVersionVMSSDelete = "2018-06-01"
)

// Reconciler creates or resizes scale sets to a target capacity.
type Reconciler struct {
	Client *Client
	Quota  *Quota
	NRetry int
}

// NewReconciler returns a Reconciler sharing client's retry/rate
// policy.
func NewReconciler(client *Client, nretry int) *Reconciler {
	return &Reconciler{Client: client, Quota: NewQuota(client), NRetry: nretry}
}

func vmssURL(key ScaleSetKey, apiVersion string) string {
	return ResourceURL(key.SubscriptionID, key.ResourceGroup, "Microsoft.Compute", "virtualMachineScaleSets", key.ScaleSet, apiVersion)
}

// currentCapacity returns the scale set's current sku.capacity, or
// (0, false) if it does not exist.
func (r *Reconciler) currentCapacity(ctx context.Context, key ScaleSetKey) (int, bool, error) {
	b, err := r.Client.Request(ctx, "GET", vmssURL(key, apiVersionVMSS), nil)
	if err != nil {
		var statusErr *azmanagers.StatusError
		if stderrors.As(err, &statusErr) && statusErr.Status == 404 {
			return 0, false, nil
		}
		return 0, false, err
	}
	tree, err := jsontree.Parse(b)
	if err != nil {
		return 0, false, err
	}
	capV, ok := tree.Get("sku", "capacity")
	if !ok {
		return 0, true, nil
	}
	n, ok := capV.(json.Number)
	if !ok {
		return 0, true, nil
	}
	cap64, err := n.Int64()
	if err != nil {
		return 0, true, nil
	}
	return int(cap64), true, nil
}

// CreateOrUpdate creates the scale set if it does not exist, patches
// the template's SSH keys / image / spot config / cloud-init
// customData, waits for quota, and resizes the set by delta
// instances. It returns the resulting total capacity.
//
// imageName/sigImageName/sigImageVersion select the image new
// instances boot from; if all three are empty, CreateOrUpdate
// resolves the image of the host it is running on and uses that
// instead, so new workers default to matching the caller's own
// image. Image selection only applies while the set does not yet
// exist: once created, a scale set's instances keep booting from
// whatever image it was created with.
func (r *Reconciler) CreateOrUpdate(ctx context.Context, key ScaleSetKey, delta int, location, vmSize string, spot bool, maxPrice float64, template *jsontree.Tree, authorizedKey, customData, sshUser, imageName, sigImageName, sigImageVersion string) (int, error) {
	current, exists, err := r.currentCapacity(ctx, key)
	if err != nil {
		return 0, err
	}
	tmpl := template.Clone()

	if !exists {
		prefix := key.ResourceGroup + "-" + randomSuffix(4) + "-"
		if err := tmpl.Set(prefix, "properties", "virtualMachineProfile", "osProfile", "computerNamePrefix"); err != nil {
			return 0, err
		}
		if imageName == "" && sigImageName == "" {
			sigImageName, sigImageVersion, imageName, err = ResolveLocalImage(ctx)
			if err != nil {
				return 0, err
			}
		}
		if err := PatchImageReference(tmpl, []string{"properties", "virtualMachineProfile", "storageProfile"}, imageName, sigImageName, sigImageVersion); err != nil {
			return 0, err
		}
	}

	if err := tmpl.Append(map[string]interface{}{
		"path":    "/home/" + sshUser + "/.ssh/authorized_keys",
		"keyData": authorizedKey,
	}, "properties", "virtualMachineProfile", "osProfile", "linuxConfiguration", "ssh", "publicKeys"); err != nil {
		return 0, err
	}

	if err := tmpl.Set(EncodeCustomData(customData), "properties", "virtualMachineProfile", "osProfile", "customData"); err != nil {
		return 0, err
	}

	if spot {
		if err := tmpl.Set("Spot", "properties", "virtualMachineProfile", "priority"); err != nil {
			return 0, err
		}
		if err := tmpl.Set("Delete", "properties", "virtualMachineProfile", "evictionPolicy"); err != nil {
			return 0, err
		}
		if err := tmpl.Set(json.Number(formatMaxPrice(maxPrice)), "properties", "virtualMachineProfile", "billingProfile", "maxPrice"); err != nil {
			return 0, err
		}
	}

	if !exists {
		if err := tmpl.Set(json.Number("0"), "sku", "capacity"); err != nil {
			return 0, err
		}
		body, err := tmpl.Marshal()
		if err != nil {
			return 0, err
		}
		if _, err := r.Client.Request(ctx, "PUT", vmssURL(key, apiVersionVMSS), body); err != nil {
			return 0, errors.E(errors.Fatal, "creating scale set", key.ScaleSet, err)
		}
		log.Printf("azure: created empty scale set %s", key.ScaleSet)
	}

	if err := r.Quota.QuotaLoop(ctx, key.SubscriptionID, location, vmSize, delta, spot); err != nil {
		return 0, err
	}

	newCapacity := current + delta
	if err := tmpl.Set(json.Number(intToString(newCapacity)), "sku", "capacity"); err != nil {
		return 0, err
	}
	body, err := tmpl.Marshal()
	if err != nil {
		return 0, err
	}
	if _, err := r.Client.Request(ctx, "PUT", vmssURL(key, apiVersionVMSS), body); err != nil {
		return 0, errors.E(errors.Fatal, "resizing scale set", key.ScaleSet, err)
	}
	log.Printf("azure: scale set %s resized to %d instances", key.ScaleSet, newCapacity)
	return newCapacity, nil
}

// Delete removes the whole scale set, called once a manager's
// reference count for key reaches zero.
func (r *Reconciler) Delete(ctx context.Context, key ScaleSetKey) error {
	_, err := r.Client.Request(ctx, "DELETE", vmssURL(key, apiVersionVMSS), nil)
	if err != nil {
		var statusErr *azmanagers.StatusError
		if stderrors.As(err, &statusErr) && statusErr.Status == 404 {
			return nil
		}
		return errors.E(errors.Fatal, "deleting scale set", key.ScaleSet, err)
	}
	log.Printf("azure: deleted scale set %s", key.ScaleSet)
	return nil
}

// DeleteInstance removes a single instance from the scale set
// (the first step of killing one worker's VM).
func (r *Reconciler) DeleteInstance(ctx context.Context, key ScaleSetKey, instanceID string) error {
	url := ResourceURL(key.SubscriptionID, key.ResourceGroup, "Microsoft.Compute", "virtualMachineScaleSets", key.ScaleSet+"/delete", apiVersionVMSSDelete)
	body, _ := json.Marshal(map[string]interface{}{"instanceIds": []string{instanceID}})
	_, err := r.Client.Request(ctx, "POST", url, body)
	if err != nil {
		return errors.E(errors.Fatal, "deleting instance", instanceID, "from", key.ScaleSet, err)
	}
	return nil
}

// InstanceState returns the provisioningState of a single scale-set
// VM instance, or ("", true) if the instance no longer exists.
func (r *Reconciler) InstanceState(ctx context.Context, key ScaleSetKey, instanceID string) (state string, gone bool, err error) {
	url := ResourceURL(key.SubscriptionID, key.ResourceGroup, "Microsoft.Compute", "virtualMachineScaleSets", key.ScaleSet+"/virtualmachines/"+instanceID, apiVersionVMSSDelete)
	b, err := r.Client.Request(ctx, "GET", url, nil)
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

// IsVMInScaleSet reports whether a VM named name is currently a
// member of the scale set, used by the kill path to decide whether
// verification is even meaningful.
func (r *Reconciler) IsVMInScaleSet(ctx context.Context, key ScaleSetKey, name string) (bool, error) {
	url := ResourceURL(key.SubscriptionID, key.ResourceGroup, "Microsoft.Compute", "virtualMachineScaleSets", key.ScaleSet+"/virtualMachines", apiVersionVMSS)
	b, err := r.Client.Request(ctx, "GET", url, nil)
	if err != nil {
		return false, err
	}
	var list struct {
		Value []struct {
			Name string `json:"name"`
		} `json:"value"`
	}
	if err := json.Unmarshal(b, &list); err != nil {
		return false, errors.E(errors.Invalid, "decoding instance list", err)
	}
	for _, v := range list.Value {
		if v.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func randomSuffix(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

func intToString(n int) string {
	return strconv.Itoa(n)
}

func formatMaxPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// KillSmoothingDelay returns a random 1-11s delay, used to spread
// out Azure API calls when many workers are killed at once.
func KillSmoothingDelay() time.Duration {
	return time.Duration(1+rand.Intn(10))*time.Second + time.Duration(rand.Int63n(int64(time.Second)))
}
