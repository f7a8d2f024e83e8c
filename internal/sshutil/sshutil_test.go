package sshutil

import (
	"os"
	"strings"
	"testing"
)

func TestGenerateKeyPairProducesValidPublicLine(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Fields(kp.PublicLine)
	if len(fields) != 3 {
		t.Fatalf("PublicLine = %q, want 3 space-separated fields", kp.PublicLine)
	}
	if fields[0] != "ssh-rsa" {
		t.Errorf("key type = %q, want ssh-rsa", fields[0])
	}
	if fields[2] != "azmanagers-generated" {
		t.Errorf("comment = %q, want azmanagers-generated", fields[2])
	}
}

func TestGenerateKeyPairProducesDistinctKeys(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if a.PublicLine == b.PublicLine {
		t.Error("expected two generated key pairs to differ")
	}
}

func TestAgentKeysErrorsWithoutSocket(t *testing.T) {
	old, hadOld := os.LookupEnv("SSH_AUTH_SOCK")
	os.Unsetenv("SSH_AUTH_SOCK")
	defer func() {
		if hadOld {
			os.Setenv("SSH_AUTH_SOCK", old)
		}
	}()
	if _, err := AgentKeys(); err == nil {
		t.Fatal("expected an error when SSH_AUTH_SOCK is unset")
	}
}
