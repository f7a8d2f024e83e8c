package detached

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/grailbio/base/log"
)

// Server is the detached-job HTTP service: a job registry plus the
// small set of routes a client uses to submit code, poll its status,
// and retrieve captured output.
type Server struct {
	reg       *registry
	vm        VM
	terminate func(ctx context.Context) error
}

// NewServer returns a Server that stores job files under dir and
// identifies itself as vm. terminate is invoked (if non-nil) once a
// persist=false job completes, to delete the hosting VM; it is
// supplied by the caller so this package does not need an
// Azure credential of its own.
func NewServer(dir string, vm VM, terminate func(ctx context.Context) error) *Server {
	return &Server{reg: newRegistry(dir), vm: vm, terminate: terminate}
}

// Handler returns the http.Handler implementing every detached-job route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cofii/detached/run", s.handleRun)
	mux.HandleFunc("/cofii/detached/ping", s.handlePing)
	mux.HandleFunc("/cofii/detached/vm", s.handleVM)
	mux.HandleFunc("/cofii/detached/job/", s.handleJob)
	return mux
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}

func (s *Server) handleVM(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.vm)
}

type runRequest struct {
	Code           string `json:"code"`
	Persist        bool   `json:"persist"`
	VariableBundle string `json:"variablebundle,omitempty"`
}

type runResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "decoding request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}
	job, err := s.reg.submit(req.Code, req.Persist, req.VariableBundle)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !req.Persist {
		go s.autoTerminate(job)
	}
	writeJSON(w, http.StatusOK, runResponse{ID: job.ID})
}

// autoTerminate waits for a non-persistent job to finish and then
// deletes the hosting VM.
func (s *Server) autoTerminate(job *Job) {
	job.Wait(context.Background())
	if s.terminate == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.terminate(ctx); err != nil {
		log.Error.Printf("detached: auto-terminate failed: %v", err)
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/cofii/detached/job/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.Error(w, "malformed job path", http.StatusBadRequest)
		return
	}
	id, action := parts[0], parts[1]
	job, ok := s.reg.get(id)
	if !ok {
		http.Error(w, "no such job: "+id, http.StatusNotFound)
		return
	}
	switch action {
	case "status":
		writeJSON(w, http.StatusOK, map[string]string{"status": string(job.Status())})
	case "wait":
		if err := job.Wait(r.Context()); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
				"code":  job.numbered,
			})
			return
		}
		w.WriteHeader(http.StatusOK)
	case "stdout":
		s.writeCapture(w, job, false)
	case "stderr":
		s.writeCapture(w, job, true)
	default:
		http.Error(w, "unknown job action: "+action, http.StatusNotFound)
	}
}

func (s *Server) writeCapture(w http.ResponseWriter, job *Job, stderr bool) {
	b, err := job.readCaptured(stderr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(b)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
