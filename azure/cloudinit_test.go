package azure

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestWorkerLaunchScriptEmbedsHandshakeArgs(t *testing.T) {
	c := &CloudInit{}
	script, err := WorkerLaunchScript(c, "azureuser", "julia", "cookie123", "10.0.0.5", 9000, 4, false, 0, "", "")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"cookie123", "10.0.0.5", "9000", "su - azureuser"} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}
	if strings.Contains(script, "mpirun") {
		t.Error("non-mpi launch should not invoke mpirun")
	}
}

func TestWorkerLaunchScriptMPI(t *testing.T) {
	c := &CloudInit{}
	script, err := WorkerLaunchScript(c, "azureuser", "julia", "cookie123", "10.0.0.5", 9000, 4, true, 8, "--bind-to core", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(script, "mpirun -n 8 --bind-to core") {
		t.Errorf("script missing mpirun invocation:\n%s", script)
	}
}

func TestDetachedServiceLaunchScriptSeedsAuthorizedKey(t *testing.T) {
	c := &CloudInit{}
	script, err := DetachedServiceLaunchScript(c, "azureuser", "/usr/local/bin/azdetached", "ssh-rsa AAAAB3 test@host")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(script, "ssh-rsa AAAAB3 test@host") {
		t.Errorf("script missing authorized key:\n%s", script)
	}
	if !strings.Contains(script, "azdetached serve --addr=:8081") {
		t.Errorf("script missing serve invocation:\n%s", script)
	}
}

func TestEncodeCustomDataRoundTrips(t *testing.T) {
	script := "#!/bin/bash\necho hi\n"
	encoded := EncodeCustomData(script)
	if encoded == "" {
		t.Fatal("expected non-empty encoded script")
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != script {
		t.Errorf("decoded = %q, want %q", decoded, script)
	}
}
