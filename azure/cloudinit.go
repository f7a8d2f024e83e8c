package azure

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/grailbio/base/errors"
)

// CloudInit assembles the shell script injected as customData at VM
// boot. Azure workers in this system boot from a plain shebang
// script rather than a cloud-config YAML document: the worker launch
// line is itself a shell command, not a systemd unit, so there is no
// YAML document to build up incrementally. CloudInit is still a
// builder with Append methods rather than a single template, so
// callers can assemble the script's preamble, repo checkout, and
// launch command independently.
type CloudInit struct {
	TempDiskPreamble string
	GitConfig        string
	GitCredentials   string
	CustomEnvBranch  string
	RepoDir          string
	RunCmds          []string
	steps            []string
}

// AppendRunCmd appends a shell command to the script.
func (c *CloudInit) AppendRunCmd(cmd string) { c.steps = append(c.steps, cmd) }

const workerLaunchTemplate = `#!/bin/bash
set -e
{{if .TempDiskPreamble}}
{{.TempDiskPreamble}}
{{end}}
{{if .GitConfig}}
su - {{.SSHUser}} <<'AZMANAGERS_GITCONFIG'
cat > ~/.gitconfig <<'AZMANAGERS_GITCONFIG_BODY'
{{.GitConfig}}
AZMANAGERS_GITCONFIG_BODY
AZMANAGERS_GITCONFIG
{{end}}
{{if .GitCredentials}}
su - {{.SSHUser}} <<'AZMANAGERS_GITCRED'
cat > ~/.git-credentials <<'AZMANAGERS_GITCRED_BODY'
{{.GitCredentials}}
AZMANAGERS_GITCRED_BODY
chmod 0600 ~/.git-credentials
AZMANAGERS_GITCRED
{{end}}
{{if .CustomEnvBranch}}
su - {{.SSHUser}} <<AZMANAGERS_CUSTOMENV
cd {{.RepoDir}} && git fetch && git checkout {{.CustomEnvBranch}} && git pull
{{.InstantiateCmd}}
touch /tmp/julia_instantiate_done
AZMANAGERS_CUSTOMENV
{{end}}
{{range .Steps}}
{{.}}
{{end}}
su - {{.SSHUser}} <<'AZMANAGERS_LAUNCH'
{{.LaunchCmd}}
AZMANAGERS_LAUNCH
`

// WorkerLaunchScript renders the cloud-init script for a cluster
// worker or MPI worker.
func WorkerLaunchScript(c *CloudInit, sshUser, runtime, cookie, masterAddr string, masterPort int, ppi int, mpi bool, mpiSize int, mpiFlags string, instantiateCmd string) (string, error) {
	launch := fmt.Sprintf("%s -e 'azure_worker(%q, %q, %d, %d)'", runtime, cookie, masterAddr, masterPort, ppi)
	if mpi {
		launch = fmt.Sprintf("mpirun -n %d %s %s -e 'azure_worker_mpi(%q, %q, %d, %d)'", mpiSize, mpiFlags, runtime, cookie, masterAddr, masterPort, ppi)
	}
	return render(c, sshUser, launch, instantiateCmd)
}

// DetachedServiceLaunchScript renders the cloud-init script that
// starts the detached-service HTTP server on port 8081, generating
// a fresh SSH key pair for the VM as it does.
func DetachedServiceLaunchScript(c *CloudInit, sshUser, binary string, authorizedKey string) (string, error) {
	c.AppendRunCmd(fmt.Sprintf("echo %q >> /home/%s/.ssh/authorized_keys", authorizedKey, sshUser))
	c.AppendRunCmd(fmt.Sprintf("su - %s -c 'test -f ~/.ssh/id_rsa || ssh-keygen -t rsa -b 2048 -N \"\" -f ~/.ssh/id_rsa'", sshUser))
	launch := fmt.Sprintf("%s serve --addr=:8081", binary)
	return render(c, sshUser, launch, "")
}

func render(c *CloudInit, sshUser, launchCmd, instantiateCmd string) (string, error) {
	tmpl, err := template.New("cloudinit").Parse(workerLaunchTemplate)
	if err != nil {
		return "", errors.E(errors.Fatal, "parsing cloud-init template", err)
	}
	data := struct {
		*CloudInit
		SSHUser        string
		LaunchCmd      string
		InstantiateCmd string
		Steps          []string
	}{CloudInit: c, SSHUser: sshUser, LaunchCmd: launchCmd, InstantiateCmd: instantiateCmd, Steps: c.steps}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", errors.E(errors.Fatal, "rendering cloud-init template", err)
	}
	return buf.String(), nil
}

// EncodeCustomData base64-encodes script for the osProfile.customData
// field.
func EncodeCustomData(script string) string {
	return base64.StdEncoding.EncodeToString([]byte(script))
}

// LocalGitConfig reads the caller's ~/.gitconfig, returning "" if it
// does not exist, for propagation into newly started workers.
func LocalGitConfig() (string, error) {
	return readHomeFileOrEmpty(".gitconfig")
}

// LocalGitCredentials reads the caller's ~/.git-credentials.
func LocalGitCredentials() (string, error) {
	return readHomeFileOrEmpty(".git-credentials")
}

func readHomeFileOrEmpty(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(filepath.Join(home, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimRight(string(b), "\n"), nil
}
