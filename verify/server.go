package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apperrors "relay-host/errors"
)

const challengePage = `<!DOCTYPE html>
<html>
<head><title>Verification</title></head>
<body>
<p>Press the button below to confirm you are human.</p>
<form method="POST">
<button type="submit">I am human</button>
</form>
</body>
</html>`

// Server exposes the verification links handed out by the external-gateway
// strategy. GET renders the confirmation page, POST settles the token.
type Server struct {
	service Service
	addr    string
	log     *slog.Logger
}

func NewServer(service Service, addr string, log *slog.Logger) *Server {
	return &Server{service: service, addr: addr, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /verify/{token}", s.handlePage)
	mux.HandleFunc("POST /verify/{token}", s.handleConfirm)
	return mux
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, challengePage)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	err := s.service.Confirm(r.Context(), token, true)
	switch {
	case err == nil:
		_, _ = fmt.Fprint(w, "You are verified. You can return to the chat.")
	case errors.Is(err, apperrors.ErrTokenNotFound):
		http.Error(w, "This link is no longer valid.", http.StatusGone)
	case errors.Is(err, apperrors.ErrTokenExpired):
		http.Error(w, "This link expired. Message the chat again for a fresh one.", http.StatusGone)
	default:
		s.log.Error("Verification callback failed", "error", err)
		http.Error(w, "Something went wrong, please try again.", http.StatusInternalServerError)
	}
}

// Run serves until ctx is canceled, then shuts down gracefully. It has the
// contract.Worker shape so the entrypoint drives it with the same context
// discipline as the sessions.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("Verifier listening", "addr", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
