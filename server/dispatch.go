package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pithecene-io/buntime/config"
	"github.com/pithecene-io/buntime/ipc"
	"github.com/pithecene-io/buntime/pool"
)

// handleApp dispatches one request to the app named by the first path
// segment. The body size gate runs before anything else so oversized uploads
// never reach the pool.
func (s *Server) handleApp(w http.ResponseWriter, r *http.Request) {
	appName := chi.URLParam(r, "app")
	appDir, ok := s.resolveAppDir(appName)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown app"})
		return
	}

	cfg, err := s.configs.get(appDir)
	if err != nil {
		s.opts.Logger.Error("config load failed", map[string]any{
			"app_dir": appDir,
			"error":   err.Error(),
		})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "invalid app configuration"})
		return
	}

	// Content-Length gate: reject before reading a single body byte.
	if r.ContentLength > cfg.MaxBodySizeBytes {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	body, err := readBody(r, cfg.MaxBodySizeBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable request body"})
		return
	}

	req := &ipc.Request{
		Method:  r.Method,
		URL:     appRelativeURL(r),
		Headers: flattenHeaders(r.Header),
		Body:    body,
	}

	res, err := s.opts.Pool.Fetch(r.Context(), appDir, cfg, req)
	if err != nil {
		s.writeDispatchError(w, cfg, err)
		return
	}

	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

// writeDispatchError maps pool errors to HTTP statuses.
// Timeouts are the gateway's fault class (504); spawn failures mean the
// upstream never came up (502); everything else is internal (500).
func (s *Server) writeDispatchError(w http.ResponseWriter, cfg *config.WorkerConfig, err error) {
	switch {
	case errors.Is(err, pool.ErrTimeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{
			"error":      "timeout",
			"timeout_ms": cfg.TimeoutMs,
		})
	case errors.Is(err, pool.ErrSpawn):
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "worker spawn failed",
		})
	case errors.Is(err, config.ErrConfig):
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "invalid app configuration",
		})
	default:
		s.opts.Logger.Error("dispatch failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal error",
		})
	}
}

// resolveAppDir maps an app name to its directory under AppsRoot, rejecting
// names that would escape the root and names with no directory behind them.
func (s *Server) resolveAppDir(name string) (string, bool) {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return "", false
	}
	root, err := filepath.Abs(s.opts.AppsRoot)
	if err != nil {
		return "", false
	}
	dir := filepath.Join(root, name)
	if !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", false
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return dir, true
}

var errBodyTooLarge = errors.New("request body too large")

// readBody reads at most max bytes; one byte past the limit fails the read.
// Catches chunked uploads that carry no Content-Length.
func readBody(r *http.Request, max int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// appRelativeURL strips the app segment so workers see app-rooted paths.
func appRelativeURL(r *http.Request) string {
	rest := chi.URLParam(r, "*")
	u := "/" + rest
	if q := r.URL.RawQuery; q != "" {
		u += "?" + q
	}
	return u
}

// flattenHeaders lowers header names and keeps the first value of each.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		out[strings.ToLower(k)] = vs[0]
	}
	return out
}
