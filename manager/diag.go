package manager

import (
	"context"
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/crypto/ssh"

	"github.com/mloubout/azmanagers/bigioutil"
	"github.com/mloubout/azmanagers/internal/sshutil"
)

// TailBootLog SSHes into ip and streams cloud-init's output log,
// prefixed with name, to w. Operators reach for it when a worker
// never registers with the manager: the registration handshake
// itself gives no signal about what happened on the VM before the
// worker process started (or failed to).
func TailBootLog(ctx context.Context, addr, user, name, ip string, signer ssh.Signer, w func(string)) error {
	client, err := sshutil.Dial(ctx, ip+":22", user, signer)
	if err != nil {
		return errors.E(errors.Unavailable, "dialing", name, "for boot-log tail", err)
	}
	defer client.Close()

	pw := bigioutil.PrefixWriter(logWriter(w), fmt.Sprintf("%s: ", name))
	if err := sshutil.RunStreaming(client, "sudo tail -n +1 -f /var/log/cloud-init-output.log", pw); err != nil {
		log.Error.Printf("manager: tailing boot log for %s: %v", name, err)
		return err
	}
	return nil
}

// logWriter adapts a line callback to an io.Writer for PrefixWriter,
// defaulting to stderr when the caller does not supply one.
func logWriter(w func(string)) stderrWriter {
	if w == nil {
		w = func(s string) { fmt.Fprint(os.Stderr, s) }
	}
	return stderrWriter{w}
}

type stderrWriter struct{ emit func(string) }

func (s stderrWriter) Write(p []byte) (int, error) {
	s.emit(string(p))
	return len(p), nil
}
