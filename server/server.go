// Package server exposes the control plane as a JSON-over-HTTP RPC surface,
// one POST endpoint per method under /prpc/.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/capsule/config"
	"github.com/projecteru2/capsule/cvm"
	"github.com/projecteru2/capsule/types"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
	// maxBodyBytes bounds request bodies; compose files and encrypted env
	// blobs are small documents.
	maxBodyBytes = 8 << 20
)

// Server is the RPC façade over the lifecycle manager.
type Server struct {
	conf *config.Config
	mgr  *cvm.Manager
	kms  *kmsClient
}

// New creates a Server for the given manager.
func New(conf *config.Config, mgr *cvm.Manager) *Server {
	return &Server{conf: conf, mgr: mgr, kms: newKMSClient(conf.KmsURL)}
}

// Handler builds the method-per-operation mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for method, h := range map[string]http.HandlerFunc{
		"CreateVm":               s.handleCreateVM,
		"StartVm":                s.handleStartVM,
		"StopVm":                 s.handleStopVM,
		"RemoveVm":               s.handleRemoveVM,
		"ResizeVm":               s.handleResizeVM,
		"UpgradeApp":             s.handleUpgradeApp,
		"Status":                 s.handleStatus,
		"ListImages":             s.handleListImages,
		"GetInfo":                s.handleGetInfo,
		"GetMeta":                s.handleGetMeta,
		"GetAppEnvEncryptPubKey": s.handleGetAppEnvEncryptPubKey,
	} {
		h := h
		mux.HandleFunc("/prpc/Capsule."+method, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
				return
			}
			h(w, r)
		})
	}
	return s.withAuth(mux)
}

// Serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.conf.Address, fmt.Sprintf("%d", s.conf.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.WithFunc("server.Serve").Infof(ctx, "control plane listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// withAuth enforces bearer-token authentication when enabled.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.conf.Auth.Enabled && !s.tokenAllowed(r.Header.Get("Authorization")) {
			writeError(w, http.StatusUnauthorized, errors.New("invalid or missing API token"))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenAllowed(header string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	for _, t := range s.conf.Auth.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// decode parses the JSON request body into req.
func decode(r *http.Request, req any) error {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", types.ErrInvalid, err)
	}
	return nil
}

// writeResult encodes resp as the 200 response body.
func writeResult(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// fail maps an internal error onto the caller-visible status code.
func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrInvalid):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, types.ErrAlreadyExists), errors.Is(err, types.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, types.ErrExhausted):
		writeError(w, http.StatusTooManyRequests, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
