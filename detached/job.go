// Package detached implements the HTTP service that runs code on a
// persistent worker VM outside of the cluster runtime, and the
// client that provisions such a VM and drives that service through
// its client.
package detached

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
)

// Status is the lifecycle state of a submitted job.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// Job is a single code submission accepted by the detached service.
// It is registered once and never removed: the service's job
// registry is in-memory and scoped to the process lifetime.
type Job struct {
	ID         string
	Persist    bool
	CodePath   string
	StdoutPath string
	StderrPath string

	mu       sync.Mutex
	status   Status
	err      error
	numbered string
	done     chan struct{}
}

// newJob allocates job files under dir and returns a Job in the
// "starting" state.
func newJob(dir, id, code string) (*Job, error) {
	codePath := filepath.Join(dir, "job-"+id+".code")
	if err := os.WriteFile(codePath, []byte(code), 0600); err != nil {
		return nil, errors.E(errors.Fatal, "writing job code file", err)
	}
	return &Job{
		ID:         id,
		CodePath:   codePath,
		StdoutPath: filepath.Join(dir, "job-"+id+".out"),
		StderrPath: filepath.Join(dir, "job-"+id+".err"),
		status:     StatusStarting,
		numbered:   numberLines(code),
		done:       make(chan struct{}),
	}, nil
}

func numberLines(code string) string {
	lines := strings.Split(code, "\n")
	var b strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&b, "%4d  %s\n", i+1, l)
	}
	return b.String()
}

// stripBeginEnd removes a leading "begin" and trailing matching "end"
// line.
func stripBeginEnd(code string) string {
	lines := strings.Split(code, "\n")
	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	if start >= len(lines) || strings.TrimSpace(lines[start]) != "begin" {
		return code
	}
	end := len(lines) - 1
	for end > start && strings.TrimSpace(lines[end]) == "" {
		end--
	}
	if end <= start || strings.TrimSpace(lines[end]) != "end" {
		return code
	}
	return strings.Join(lines[start+1:end], "\n")
}

// run executes the job's code as a shell script, redirecting stdout
// and stderr to the job's capture files, and records the resulting
// status. env is the process-wide variable bundle rendered as
// NAME=value pairs, in addition to the service's own environment.
func (j *Job) run(ctx context.Context, env []string) {
	j.setStatus(StatusRunning)

	outF, err := os.Create(j.StdoutPath)
	if err != nil {
		j.finish(errors.E(errors.Fatal, "opening stdout capture", err))
		return
	}
	defer outF.Close()
	errF, err := os.Create(j.StderrPath)
	if err != nil {
		j.finish(errors.E(errors.Fatal, "opening stderr capture", err))
		return
	}
	defer errF.Close()

	cmd := exec.CommandContext(ctx, "/bin/bash", j.CodePath)
	cmd.Env = env
	cmd.Stdout = outF
	cmd.Stderr = errF
	runErr := cmd.Run()
	if runErr != nil {
		fmt.Fprintf(errF, "\njob %s failed:\n%s\n%s\n", j.ID, runErr, j.numbered)
		j.finish(errors.E(errors.Unknown, "job", j.ID, "failed", runErr))
		return
	}
	j.finish(nil)
}

func (j *Job) setStatus(s Status) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	j.err = err
	if err != nil {
		j.status = StatusFailed
	} else {
		j.status = StatusDone
	}
	j.mu.Unlock()
	close(j.done)
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Wait blocks until the job finishes (or ctx is canceled), returning
// the job's terminal error, if any.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readCaptured returns the contents of the job's stdout or stderr
// capture file.
func (j *Job) readCaptured(stderr bool) ([]byte, error) {
	path := j.StdoutPath
	if stderr {
		path = j.StderrPath
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// registry is the detached service's in-memory job table, keyed by a
// monotonically increasing id, plus the process-wide variable bundle
// every job's environment is seeded from.
type registry struct {
	next atomic.Int64
	mu   sync.Mutex
	jobs map[string]*Job
	dir  string
	vars map[string]string
}

func newRegistry(dir string) *registry {
	return &registry{jobs: make(map[string]*Job), dir: dir, vars: make(map[string]string)}
}

// submit allocates a new job id, writes code to disk, and starts it
// running asynchronously under a context scoped to the server's own
// lifetime rather than the submitting request's: the job must keep
// running after the HTTP handler that created it returns.
//
// variableBundle, if non-empty, is base64-encoded JSON of a
// string-keyed map; it is merged into the registry's process-wide
// variable bundle before this (and every later) job runs, and
// exposed to the job's shell script as environment variables.
func (r *registry) submit(code string, persist bool, variableBundle string) (*Job, error) {
	id := strconv.FormatInt(r.next.Add(1), 10)
	code = stripBeginEnd(code)
	job, err := newJob(r.dir, id, code)
	if err != nil {
		return nil, err
	}
	job.Persist = persist
	env, err := r.mergeVariableBundle(variableBundle)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.jobs[id] = job
	r.mu.Unlock()
	go job.run(context.Background(), env)
	return job, nil
}

// mergeVariableBundle decodes a base64-encoded JSON object of
// variables, folds it into the registry's process-wide bundle, and
// returns the service's environment extended with every variable
// accumulated so far.
func (r *registry) mergeVariableBundle(encoded string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if encoded != "" {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, errors.E(errors.Invalid, "decoding variablebundle", err)
		}
		var vars map[string]string
		if err := json.Unmarshal(raw, &vars); err != nil {
			return nil, errors.E(errors.Invalid, "parsing variablebundle", err)
		}
		for k, v := range vars {
			r.vars[k] = v
		}
	}
	env := os.Environ()
	for k, v := range r.vars {
		env = append(env, k+"="+v)
	}
	return env, nil
}

func (r *registry) get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}
