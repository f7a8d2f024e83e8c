package manager

import (
	"encoding/json"
	"expvar"
	"net/http"
)

// HandleDebug registers the manager's status page on mux and publishes
// the scale-set reference counts as the process-wide expvar variable
// "azmanagers.scalesets", mirroring bigmachine's (*B).HandleDebug.
func (m *Manager) HandleDebug(mux *http.ServeMux) {
	mux.HandleFunc("/debug/azmanagers/status", func(w http.ResponseWriter, r *http.Request) {
		if err := m.WriteStatus(r.Context(), w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	expvar.Publish("azmanagers.scalesets", expvar.Func(func() interface{} {
		m.mu.Lock()
		defer m.mu.Unlock()
		out := make(map[string]int, len(m.count))
		for k, v := range m.count {
			b, _ := json.Marshal(k)
			out[string(b)] = v
		}
		return out
	}))
}
