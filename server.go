package chainlog

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-kratos/kratos/v2/log"
	"google.golang.org/protobuf/proto"
)

// Entry listing limits for GET /api/v1/entries.
const (
	DefaultEntriesLimit = 50
	MaxEntriesLimit     = 500
)

// Audit events the server writes about its own logins.
const (
	EventLoginFailed  = "auth_login_failed"
	EventLoginSuccess = "auth_login_success"
)

// MaxRequestBytes caps the JSON body accepted by POST handlers.
const MaxRequestBytes = 1 << 20

const (
	contentTypeJSON     = "application/json"
	contentTypeProtobuf = "application/x-protobuf"
)

// Server exposes a Logger over HTTP. Everything under /api/v1 except the
// token endpoint requires a bearer token obtained with the configured password.
type Server struct {
	logger *Logger
	cfg    ServerConfig
	tokens *TokenIssuer
	router chi.Router
	log    *log.Helper
}

type serverOptions struct {
	logger      log.Logger
	tokenSecret []byte
}

// ServerOption configures NewServer.
type ServerOption func(*serverOptions)

// WithServerLogger routes request diagnostics to logger.
func WithServerLogger(logger log.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = logger }
}

// WithTokenSecret sets the token signing secret instead of reading
// ServerConfig.TokenSecretEnv.
func WithTokenSecret(secret []byte) ServerOption {
	return func(o *serverOptions) { o.tokenSecret = secret }
}

// NewServer builds the HTTP API around logger.
func NewServer(logger *Logger, cfg ServerConfig, opts ...ServerOption) (*Server, error) {
	if logger == nil {
		return nil, errors.New("nil audit logger")
	}
	cfg.setDefaults()
	o := serverOptions{logger: log.DefaultLogger}
	for _, opt := range opts {
		opt(&o)
	}
	helper := log.NewHelper(log.With(o.logger, "module", "chainlog/server"))

	secret := o.tokenSecret
	if len(secret) == 0 {
		secret = []byte(os.Getenv(cfg.TokenSecretEnv))
	}
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		helper.Warnw("msg", "token secret not set, tokens will not survive a restart", "env", cfg.TokenSecretEnv)
	}
	if cfg.PasswordHash == "" {
		helper.Warnw("msg", "no password hash configured, logins are disabled")
	}

	tokens, err := NewTokenIssuer(secret, cfg.Issuer, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger: logger,
		cfg:    cfg,
		tokens: tokens,
		log:    helper,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HandleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/token", s.HandleToken)
		r.Group(func(r chi.Router) {
			r.Use(s.tokens.requireToken)
			r.Post("/events", s.HandleAppend)
			r.Get("/verify", s.HandleVerify)
			r.Get("/entries", s.HandleEntries)
		})
	})
	return r
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on cfg.Addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("msg", "audit API listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// HandleHealth handles GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tokenRequest struct {
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleToken handles POST /api/v1/token. Every attempt is audited.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(&req); err != nil {
		writeBodyError(w, err)
		return
	}
	reqID := middleware.GetReqID(r.Context())

	if s.cfg.PasswordHash == "" {
		writeError(w, http.StatusServiceUnavailable, "login disabled")
		return
	}
	if err := CheckPassword(s.cfg.PasswordHash, req.Password); err != nil {
		s.logger.LogEvent(EventLoginFailed, map[string]any{
			"remote":     r.RemoteAddr,
			"request_id": reqID,
		})
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	token, jti, expires, err := s.tokens.Issue(AuditorSubject)
	if err != nil {
		s.log.Errorw("msg", "issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	s.logger.LogEvent(EventLoginSuccess, map[string]any{
		"remote":     r.RemoteAddr,
		"request_id": reqID,
		"jti":        jti,
	})
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expires})
}

type appendRequest struct {
	Event   string         `json:"event"`
	Details map[string]any `json:"details"`
}

// HandleAppend handles POST /api/v1/events.
func (s *Server) HandleAppend(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	dec.UseNumber() // keep numeric literals exact in the MAC input
	if err := dec.Decode(&req); err != nil {
		writeBodyError(w, err)
		return
	}
	if strings.TrimSpace(req.Event) == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}

	rec, err := s.logger.Append(req.Event, req.Details)
	if err != nil {
		s.log.Errorw("msg", "append via API failed", "event", req.Event, "error", err)
		writeError(w, http.StatusInternalServerError, "append failed")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type verifyResponse struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	BrokenAt *int   `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// HandleVerify handles GET /api/v1/verify.
func (s *Server) HandleVerify(w http.ResponseWriter, _ *http.Request) {
	res := s.logger.Verify()
	resp := verifyResponse{Valid: res.Valid, Checked: res.Checked}
	if !res.Valid {
		at := res.BrokenAt
		resp.BrokenAt = &at
		if res.Reason != nil {
			resp.Reason = res.Reason.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleEntries handles GET /api/v1/entries?limit=n. Responds with a
// protobuf ListValue when the client accepts application/x-protobuf.
func (s *Server) HandleEntries(w http.ResponseWriter, r *http.Request) {
	limit := DefaultEntriesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxEntriesLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be 1..%d", MaxEntriesLimit))
			return
		}
		limit = n
	}

	records, err := s.logger.Last(limit)
	if err != nil {
		s.log.Errorw("msg", "read entries", "error", err)
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}

	if wantsProtobuf(r) {
		list, err := ToProtoRecords(records)
		if err == nil {
			var data []byte
			if data, err = proto.Marshal(list); err == nil {
				w.Header().Set("Content-Type", contentTypeProtobuf)
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(data)
				return
			}
		}
		s.log.Errorw("msg", "encode entries", "error", err)
		writeError(w, http.StatusInternalServerError, "encode failed")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// wantsProtobuf checks if the client asked for a protobuf response.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, contentTypeProtobuf) ||
		strings.Contains(accept, "application/protobuf")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
}
