package substrate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Architsharma7/Lit-Stackr/pkg/api"
	"github.com/Architsharma7/Lit-Stackr/pkg/nonce"
)

const maxBodyBytes = 1 << 20

// Handler serves the substrate HTTP API.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(nonce.Path, n.handleNonce)
	mux.HandleFunc(ExecutePath, n.handleExecute)
	mux.HandleFunc(HealthPath, n.handleHealth)
	return api.RequestIDMiddleware(mux)
}

func (n *Node) handleNonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w, r)
		return
	}
	value, err := n.Nonce(r.Context())
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonce.Response{Nonce: value})
}

func (n *Node) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w, r)
		return
	}

	var req ExecuteRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		api.WriteBadRequest(w, r, "malformed request body: "+err.Error())
		return
	}

	resp, err := n.Execute(r.Context(), req)
	if err != nil {
		var ee *ExecError
		if !errors.As(err, &ee) {
			api.WriteInternal(w, r, err)
			return
		}
		switch ee.Kind {
		case KindBadRequest:
			api.WriteBadRequest(w, r, ee.Err.Error())
		case KindUnauthorized:
			api.WriteUnauthorized(w, r, ee.Code, ee.Err.Error())
		case KindNotFound:
			api.WriteNotFound(w, r, ee.Code, ee.Err.Error())
		case KindRateLimited:
			retry := 60
			if n.policy.RPM > 0 {
				retry = max(1, 60/n.policy.RPM)
			}
			api.WriteTooManyRequests(w, r, retry)
		default:
			api.WriteInternal(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "uri": n.uri})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs the HTTP API on addr until ctx is cancelled.
func (n *Node) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           n.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		n.logger.Info("substrate listening", "addr", addr, "uri", n.uri)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		n.logger.Info("substrate shutting down")
		return server.Shutdown(shutdownCtx)
	}
}
