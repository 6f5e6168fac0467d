package http

import (
	"encoding/json"
	"net/http"
)

// auth enforces the x-api-key header required on every endpoint except
// /health and /webhook/* (spec.md §6). An empty configured key disables
// auth entirely — convenient for local development, matching the gateway's
// own "empty token = no auth" convention in channel_instances.go.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Gateway.APIKey != "" && r.Header.Get("x-api-key") != s.cfg.Gateway.APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// cors applies the configured CORS policy to every response, answering
// preflight OPTIONS requests directly.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && corsAllows(s.cfg.CORS.Origins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if s.cfg.CORS.Credentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", joinCSV(s.cfg.CORS.Methods))
		w.Header().Set("Access-Control-Allow-Headers", joinCSV(s.cfg.CORS.Headers))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsAllows(origins []string, origin string) bool {
	for _, o := range origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func joinCSV(vals []string) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += ", "
		}
		out += v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst)
}

func errJSON(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
