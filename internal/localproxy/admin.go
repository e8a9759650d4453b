package localproxy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fbiproxy/internal/routing"
)

type resolveResult struct {
	Host     string            `json:"host"`
	Allowed  bool              `json:"allowed"`
	Landing  bool              `json:"landing,omitempty"`
	Decision *routing.Decision `json:"decision,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// AdminHandler serves health, metrics and a dry-run resolve endpoint.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	metricsHandler := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		metricsHandler.ServeHTTP(w, r)
	})

	mux.HandleFunc("/api/resolve", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		host := strings.TrimSpace(r.URL.Query().Get("host"))
		if host == "" {
			http.Error(w, "host query parameter is required", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.explain(host, r.URL.Query().Get("forwarded"))); err != nil {
			http.Error(w, "failed to encode result", http.StatusInternalServerError)
		}
	})

	return mux
}

// explain runs host through the same filter and rules as live traffic.
func (s *Server) explain(host, forwardedHost string) resolveResult {
	res := resolveResult{Host: host}
	routed, landing, ok := s.filter.Route(host)
	if !ok {
		res.Error = routing.ErrHostNotAllowed.Error()
		return res
	}
	res.Allowed = true
	if landing {
		res.Landing = true
		return res
	}
	d, err := s.resolve(host, routed, forwardedHost)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Decision = &d
	return res
}
