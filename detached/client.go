package detached

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/mloubout/azmanagers/azure"
	"github.com/mloubout/azmanagers/internal/jsontree"
)

// Client drives a detached service: it provisions the VM that hosts
// it (addproc) and submits/reads/waits on jobs once it is
// reachable.
type Client struct {
	Reconciler *azure.Reconciler
	HTTP       *http.Client
}

// NewClient returns a Client sharing reconciler's Azure session.
func NewClient(reconciler *azure.Reconciler) *Client {
	return &Client{Reconciler: reconciler, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// Handle is the client-side reference to a running job, sufficient
// to call Status/Wait/Read later, possibly from a different
// process than the one that created it.
type Handle struct {
	VM VM
	ID string
}

// AddProc provisions a single standalone VM configured to run the
// detached service and waits for it to become reachable. timeout
// bounds both VM provisioning and service readiness polling. If
// imageName/sigImageName are both empty, the VM boots from whatever
// image the calling host itself runs.
func (c *Client) AddProc(ctx context.Context, key azure.VMKey, nicName string, vmTemplate, nicTemplate *jsontree.Tree, location, vmSize string, spot bool, maxPrice float64, authorizedKey, customData, sshUser, imageName, sigImageName, sigImageVersion string, timeout time.Duration) (VM, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.Reconciler.Quota.QuotaLoop(ctx, key.SubscriptionID, location, vmSize, 1, spot); err != nil {
		return VM{}, err
	}

	nicID, err := c.Reconciler.CreateNIC(ctx, key, nicName, nicTemplate)
	if err != nil {
		return VM{}, err
	}
	if err := c.Reconciler.CreateVM(ctx, key, vmTemplate, nicID, authorizedKey, customData, sshUser, imageName, sigImageName, sigImageVersion); err != nil {
		return VM{}, err
	}

	if err := c.pollProvisioning(ctx, key); err != nil {
		return VM{}, err
	}

	ip, err := c.Reconciler.PrivateIP(ctx, key, nicName)
	if err != nil {
		return VM{}, err
	}

	vm := VM{Name: key.Name, IP: ip, SubscriptionID: key.SubscriptionID, ResourceGroup: key.ResourceGroup}
	if err := c.pollReady(ctx, vm); err != nil {
		return VM{}, err
	}
	return vm, nil
}

func (c *Client) pollProvisioning(ctx context.Context, key azure.VMKey) error {
	for {
		state, gone, err := c.Reconciler.VMProvisioningState(ctx, key)
		if err != nil {
			return err
		}
		if gone {
			select {
			case <-time.After(10 * time.Second):
				continue
			case <-ctx.Done():
				return errors.E(errors.Unavailable, "timed out waiting for vm to appear", key.Name, ctx.Err())
			}
		}
		switch state {
		case "Succeeded":
			return nil
		case "Failed":
			return errors.E(errors.Fatal, "vm provisioning failed; check the Azure portal", key.Name)
		}
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			return errors.E(errors.Unavailable, "timed out waiting for vm", key.Name, ctx.Err())
		}
	}
}

// pollReady waits for the detached service's ping endpoint, logging
// a periodic heartbeat in place of an interactive spinner: the
// teacher's own diagnostics (ec2machine.go, monitor.go) always
// narrate progress through plain log lines rather than terminal
// animation, and no spinner library is available to this module's
// dependency set.
func (c *Client) pollReady(ctx context.Context, vm VM) error {
	url := fmt.Sprintf("http://%s:8081/cofii/detached/ping", vm.IP)
	start := time.Now()
	for {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err == nil {
			resp, err := c.HTTP.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					log.Printf("detached: %s ready after %s", vm.Name, time.Since(start).Round(time.Second))
					return nil
				}
			}
		}
		log.Printf("detached: waiting for %s (%s elapsed)...", vm.Name, time.Since(start).Round(time.Second))
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return errors.E(errors.Unavailable, "timed out waiting for detached service on", vm.Name, ctx.Err())
		}
	}
}

// RmProc deletes vm's VM and NIC, warning but not failing if
// deletion confirmation overruns the timeout.
func (c *Client) RmProc(ctx context.Context, key azure.VMKey, nicName string, timeout time.Duration) error {
	if err := c.Reconciler.DeleteVM(ctx, key); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		_, gone, err := c.Reconciler.VMProvisioningState(ctx, key)
		if err != nil {
			return err
		}
		if gone {
			break
		}
		if time.Now().After(deadline) {
			log.Error.Printf("detached: timed out confirming deletion of %s; continuing anyway", key.Name)
			break
		}
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			log.Error.Printf("detached: context canceled confirming deletion of %s; continuing anyway", key.Name)
			return c.Reconciler.DeleteNIC(ctx, key, nicName)
		}
	}
	return c.Reconciler.DeleteNIC(ctx, key, nicName)
}

// Run submits code to the detached service running on vm.
func (c *Client) Run(ctx context.Context, vm VM, code string, persist bool, variableBundle string) (Handle, error) {
	body, err := json.Marshal(runRequest{Code: code, Persist: persist, VariableBundle: variableBundle})
	if err != nil {
		return Handle{}, err
	}
	url := fmt.Sprintf("http://%s:8081/cofii/detached/run", vm.IP)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return Handle{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Handle{}, errors.E(errors.Net, "submitting job to", vm.IP, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return Handle{}, errors.E(errors.Invalid, "detached service rejected job", resp.StatusCode, string(b))
	}
	var rr runResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return Handle{}, errors.E(errors.Invalid, "decoding run response", err)
	}
	return Handle{VM: vm, ID: rr.ID}, nil
}

// Status queries a job's lifecycle state.
func (c *Client) Status(ctx context.Context, h Handle) (Status, error) {
	url := fmt.Sprintf("http://%s:8081/cofii/detached/job/%s/status", h.VM.IP, h.ID)
	var out struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, url, &out); err != nil {
		return "", err
	}
	return Status(out.Status), nil
}

// Wait blocks until h's job completes, returning any job error
// (including the numbered code listing the server attaches on
// failure).
func (c *Client) Wait(ctx context.Context, h Handle) error {
	url := fmt.Sprintf("http://%s:8081/cofii/detached/job/%s/wait", h.VM.IP, h.ID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.E(errors.Net, "waiting on job", h.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var out struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	return errors.E(errors.Unknown, "job", h.ID, "failed:", out.Error, "\n"+out.Code)
}

// Read returns the captured stdout (stderr=false) or stderr
// (stderr=true) of h's job.
func (c *Client) Read(ctx context.Context, h Handle, stderr bool) ([]byte, error) {
	action := "stdout"
	if stderr {
		action = "stderr"
	}
	url := fmt.Sprintf("http://%s:8081/cofii/detached/job/%s/%s", h.VM.IP, h.ID, action)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errors.E(errors.Net, "reading job output", h.ID, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.E(errors.Net, "GET", url, err)
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}
