package azure

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mloubout/azmanagers/internal/jsontree"
)

func TestCreateNICReturnsResourceID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"/subscriptions/s/resourceGroups/g/providers/Microsoft.Network/networkInterfaces/nic1"}`))
	}))
	defer ts.Close()

	r := NewReconciler(newTestClient(t, ts), 3)
	tmpl, err := jsontree.Parse([]byte(`{"properties":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	id, err := r.CreateNIC(context.Background(), VMKey{SubscriptionID: "s", ResourceGroup: "g", Name: "vm1"}, "nic1", tmpl)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(id, "nic1") {
		t.Errorf("id = %q, want suffix nic1", id)
	}
}

func TestPrivateIPExtractsAddress(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"properties":{"ipConfigurations":[{"properties":{"privateIPAddress":"10.1.2.3"}}]}}`))
	}))
	defer ts.Close()

	r := NewReconciler(newTestClient(t, ts), 3)
	ip, err := r.PrivateIP(context.Background(), VMKey{SubscriptionID: "s", ResourceGroup: "g", Name: "vm1"}, "nic1")
	if err != nil {
		t.Fatal(err)
	}
	if ip != "10.1.2.3" {
		t.Errorf("ip = %q, want 10.1.2.3", ip)
	}
}

func TestPrivateIPErrorsWhenNotYetAssigned(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"properties":{"ipConfigurations":[{"properties":{}}]}}`))
	}))
	defer ts.Close()

	r := NewReconciler(newTestClient(t, ts), 3)
	if _, err := r.PrivateIP(context.Background(), VMKey{SubscriptionID: "s", ResourceGroup: "g", Name: "vm1"}, "nic1"); err == nil {
		t.Fatal("expected an error when no private ip is assigned yet")
	}
}

func TestDeleteNICTreats404AsSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	r := NewReconciler(newTestClient(t, ts), 3)
	if err := r.DeleteNIC(context.Background(), VMKey{SubscriptionID: "s", ResourceGroup: "g", Name: "vm1"}, "nic1"); err != nil {
		t.Errorf("expected a 404 to be treated as already-deleted, got %v", err)
	}
}

func TestVMProvisioningStateReportsGoneOn404(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	r := NewReconciler(newTestClient(t, ts), 3)
	_, gone, err := r.VMProvisioningState(context.Background(), VMKey{SubscriptionID: "s", ResourceGroup: "g", Name: "vm1"})
	if err != nil {
		t.Fatal(err)
	}
	if !gone {
		t.Error("expected gone=true on 404")
	}
}

func TestCreateVMPatchesNICSSHKeyAndCustomData(t *testing.T) {
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, r.ContentLength)
		r.Body.Read(b)
		gotBody = b
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	r := NewReconciler(newTestClient(t, ts), 3)
	tmpl, err := jsontree.Parse([]byte(`{
		"properties": {
			"networkProfile": {"networkInterfaces": [{"id": ""}]},
			"osProfile": {"linuxConfiguration": {"ssh": {"publicKeys": []}}},
			"storageProfile": {
				"imageReference": {"id": "/subscriptions/s/resourceGroups/g/providers/Microsoft.Compute/images/old"}
			}
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	err = r.CreateVM(context.Background(), VMKey{SubscriptionID: "s", ResourceGroup: "g", Name: "vm1"}, tmpl, "/nic/id", "ssh-rsa AAAA key", "#!/bin/bash\necho hi\n", "opuser", "newimage", "", "")
	if err != nil {
		t.Fatal(err)
	}
	body := string(gotBody)
	if !strings.Contains(body, "/nic/id") {
		t.Error("expected nic id to be patched into the request body")
	}
	if !strings.Contains(body, "ssh-rsa AAAA key") {
		t.Error("expected authorized key to be patched into the request body")
	}
	if !strings.Contains(body, "/home/opuser/.ssh/authorized_keys") {
		t.Error("expected authorized_keys path to use sshUser")
	}
	if !strings.Contains(body, "/images/newimage") {
		t.Error("expected imageReference.id to be patched to newimage")
	}
}
