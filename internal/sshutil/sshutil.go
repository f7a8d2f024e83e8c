// Package sshutil generates SSH key material for cloud-init
// injection and dials worker VMs for diagnostic log tailing. It
// generalizes the SSH helpers grailbio/bigmachine's ec2system uses
// to reach EC2 instances to Azure VMs reached by private IP.
package sshutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/grailbio/base/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// KeyPair is a generated RSA key, held as an OpenSSH authorized_keys
// line (for injecting into authorized_keys / cloud-init) and as an
// ssh.Signer (for dialing back with Dial).
type KeyPair struct {
	PublicLine string // "ssh-rsa AAAA... azmanagers-generated"
	Signer     ssh.Signer
}

// GenerateKeyPair creates a fresh 2048-bit RSA key pair whose
// PublicLine can be written to an authorized_keys file.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.E(errors.Fatal, "generating ssh key", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, errors.E(errors.Fatal, "wrapping ssh signer", err)
	}
	pub, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, errors.E(errors.Fatal, "deriving ssh public key", err)
	}
	line := fmt.Sprintf("%s %s azmanagers-generated", pub.Type(), base64.StdEncoding.EncodeToString(pub.Marshal()))
	return &KeyPair{PublicLine: line, Signer: signer}, nil
}

// AgentKeys returns the signers offered by a running ssh-agent, for
// operators who want to authenticate with their own identity rather
// than a generated key. Mirrors ec2system's readSshAgentKeys.
func AgentKeys() ([]ssh.Signer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.E(errors.NotExist, "SSH_AUTH_SOCK not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, errors.E(errors.Unavailable, "dialing ssh-agent", err)
	}
	ag := agent.NewClient(conn)
	signers, err := ag.Signers()
	if err != nil {
		return nil, errors.E(errors.Unavailable, "listing ssh-agent identities", err)
	}
	return signers, nil
}

// Dial opens an SSH client connection to addr (host:22) as user,
// authenticating with signer.
func Dial(ctx context.Context, addr, user string, signer ssh.Signer) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.E(errors.Unavailable, "dialing", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, errors.E(errors.Unavailable, "ssh handshake with", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Run executes command on client and returns its combined stdout and
// stderr once the command exits.
func Run(client *ssh.Client, command string) ([]byte, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, errors.E(errors.Unavailable, "opening ssh session", err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(command)
	if err != nil {
		return out, errors.E(errors.Unavailable, "running", command, err)
	}
	return out, nil
}

// RunStreaming executes command on client, copying its combined
// output to w as it arrives rather than buffering it, and blocks
// until the command exits. It is used to tail a worker's cloud-init
// log live rather than waiting for the command to finish.
func RunStreaming(client *ssh.Client, command string, w io.Writer) error {
	session, err := client.NewSession()
	if err != nil {
		return errors.E(errors.Unavailable, "opening ssh session", err)
	}
	defer session.Close()
	session.Stdout = w
	session.Stderr = w
	if err := session.Run(command); err != nil {
		return errors.E(errors.Unavailable, "running", command, err)
	}
	return nil
}
