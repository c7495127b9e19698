package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// Minimal stand-in for a container registry, for running the gateway
// locally without a real upstream
func main() {
	addr := flag.String("addr", ":5001", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		logger.Info("request", "method", r.Method, "path", r.URL.Path, "forwarded_for", r.Header.Get("X-Forwarded-For"))

		w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
		w.Header().Set("Content-Type", "application/json")

		if r.URL.Path == "/v2/" {
			_, _ = w.Write([]byte("{}"))
			return
		}

		name, ref, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/v2/"), "/manifests/")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"errors": []map[string]string{{"code": "NAME_UNKNOWN", "message": "repository name not known to registry"}},
			})
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"schemaVersion": 2,
			"name":          name,
			"tag":           ref,
		})
	})

	logger.Info("dummy registry starting", "addr", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("dummy registry stopped", "error", err)
		os.Exit(1)
	}
}
