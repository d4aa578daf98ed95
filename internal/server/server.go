package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"formulation/internal/app"
	"formulation/internal/ratelimit"
	"formulation/internal/util"
	"formulation/pkg/credential"
	"formulation/pkg/domain"
	"formulation/pkg/question"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Coordinator *app.Coordinator
	Credentials *credential.Issuer

	// Redis backs the magic-link rate limiter. Nil disables limiting,
	// which is only acceptable in tests.
	Redis                       *redis.Client
	MagicLinkRateLimitPerMinute int

	TrustedProxies *util.TrustedProxies
}

// Server exposes the questionnaire HTTP API.
type Server struct {
	coordinator *app.Coordinator
	credentials *credential.Issuer
	mux         *http.ServeMux
	linkLimiter *ratelimit.FixedWindowLimiter
	trusted     *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("credential issuer is required")
	}
	var limiter *ratelimit.FixedWindowLimiter
	if cfg.Redis != nil {
		limit := cfg.MagicLinkRateLimitPerMinute
		if limit <= 0 {
			limit = 5
		}
		var err error
		limiter, err = ratelimit.NewFixedWindowLimiter(cfg.Redis, "formulation:ratelimit:magic-link", limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init magic-link limiter: %w", err)
		}
	}
	s := &Server{
		coordinator: cfg.Coordinator,
		credentials: cfg.Credentials,
		mux:         http.NewServeMux(),
		linkLimiter: limiter,
		trusted:     cfg.TrustedProxies,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the shared middleware chain.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/magic-link", s.handleMagicLinkRequest)
	s.mux.HandleFunc("/api/auth/magic-link/verify", s.handleMagicLinkVerify)
	s.mux.Handle("/api/auth/logout", s.authenticated(s.handleLogout))

	// session (auth required)
	s.mux.Handle("/api/session", s.authenticated(s.handleSession))
	s.mux.Handle("/api/session/questions", s.authenticated(s.handleQuestions))
	s.mux.Handle("/api/session/answer", s.authenticated(s.handleAnswer))
	s.mux.Handle("/api/session/complete", s.authenticated(s.handleComplete))

	// public read-only view of a shared session
	s.mux.HandleFunc("/api/shared/", s.handleShared)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionHandler receives the session id already resolved from the bearer
// credential.
type sessionHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) authenticated(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerCredential(r)
		if !ok {
			s.audit(r, "session.authorize", "fail", "reason", "missing_credential")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		sessionID, err := s.credentials.SessionID(token)
		if err != nil {
			s.audit(r, "session.authorize", "fail", "reason", "invalid_credential")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, sessionID)
	})
}

type magicLinkRequest struct {
	Email          string `json:"email"`
	Platform       string `json:"platform"`
	PlatformUserID string `json:"platformUserId"`
}

func (s *Server) handleMagicLinkRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, "too many magic link requests") {
		s.audit(r, "auth.magic_link.request", "rate_limited")
		return
	}
	var req magicLinkRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	identity, err := parseIdentity(req)
	if err != nil {
		s.audit(r, "auth.magic_link.request", "fail", "reason", "invalid_identity")
		writeError(w, http.StatusBadRequest, "a valid email or platform identity is required")
		return
	}
	// Second window keyed by identity, so one caller cannot flood a single
	// inbox from many addresses.
	if s.linkLimiter != nil && !s.linkLimiter.Allow("identity|"+identity.Key()) {
		s.audit(r, "auth.magic_link.request", "rate_limited", "identity_kind", identity.Kind)
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "too many magic link requests")
		return
	}
	if err := s.coordinator.RequestMagicLink(r.Context(), identity); err != nil {
		s.audit(r, "auth.magic_link.request", "fail", "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "auth.magic_link.request", "success", "identity_kind", identity.Kind)
	// Always 202: the response must not reveal whether the identity exists.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Credential string         `json:"credential"`
	Session    sessionPayload `json:"session"`
}

func (s *Server) handleMagicLinkVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, "too many verification attempts") {
		s.audit(r, "auth.magic_link.verify", "rate_limited")
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	sess, err := s.coordinator.VerifyMagicLink(r.Context(), req.Token)
	if err != nil {
		s.audit(r, "auth.magic_link.verify", "fail", "reason", err.Error())
		writeAppError(w, err)
		return
	}
	cred, err := s.credentials.Mint(sess.ID)
	if err != nil {
		s.audit(r, "auth.magic_link.verify", "fail", "reason", "mint_failed")
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	s.audit(r, "auth.magic_link.verify", "success", "session_id", sess.ID)
	writeJSON(w, http.StatusOK, verifyResponse{
		Credential: cred,
		Session:    toSessionPayload(sess),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, _ := bearerCredential(r)
	if err := s.credentials.Revoke(token); err != nil {
		s.audit(r, "auth.logout", "fail", "reason", err.Error())
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	s.audit(r, "auth.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

// sessionPayload is the API shape of a session: enough to drive a front-end
// without exposing the identity of the respondent.
type sessionPayload struct {
	ID              string           `json:"id"`
	State           string           `json:"state"`
	CurrentIndex    int              `json:"currentIndex"`
	Total           int              `json:"total"`
	CurrentQuestion *questionPayload `json:"currentQuestion,omitempty"`
	ShareID         string           `json:"shareId,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	Progress        *app.Status      `json:"progress,omitempty"`
}

type questionPayload struct {
	ID       int    `json:"id"`
	Position int    `json:"position"`
	Text     string `json:"text"`
}

func toSessionPayload(sess *domain.Session) sessionPayload {
	payload := sessionPayload{
		ID:           sess.ID,
		State:        string(sess.State),
		CurrentIndex: sess.CurrentIndex,
		Total:        len(sess.QuestionOrder),
		ShareID:      sess.ShareID,
		CompletedAt:  sess.CompletedAt,
	}
	if sess.Active() && sess.CurrentIndex < len(sess.QuestionOrder) {
		id := sess.QuestionOrder[sess.CurrentIndex]
		if q, ok := question.ByID(id); ok {
			payload.CurrentQuestion = &questionPayload{
				ID:       q.ID,
				Position: sess.CurrentIndex + 1,
				Text:     q.Text,
			}
		}
	}
	return payload
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sess, err := s.coordinator.Session(r.Context(), sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	payload := toSessionPayload(sess)
	if status, err := s.coordinator.Status(r.Context(), sessionID); err == nil {
		payload.Progress = &status
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sess, err := s.coordinator.Session(r.Context(), sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	questions := make([]questionPayload, 0, len(sess.QuestionOrder))
	for pos, id := range sess.QuestionOrder {
		q, ok := question.ByID(id)
		if !ok {
			continue
		}
		questions = append(questions, questionPayload{ID: q.ID, Position: pos + 1, Text: q.Text})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"questions":    questions,
		"currentIndex": sess.CurrentIndex,
	})
}

type answerRequest struct {
	QuestionID int     `json:"questionId"`
	Text       *string `json:"text"`
	Skipped    bool    `json:"skipped"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req answerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := s.coordinator.SubmitAnswer(r.Context(), sessionID, req.QuestionID, req.Text, req.Skipped); err != nil {
		s.audit(r, "session.answer", "fail", "session_id", sessionID, "reason", err.Error())
		writeAppError(w, err)
		return
	}
	sess, err := s.coordinator.Session(r.Context(), sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	payload := toSessionPayload(sess)
	if status, err := s.coordinator.Status(r.Context(), sessionID); err == nil {
		payload.Progress = &status
	}
	writeJSON(w, http.StatusOK, payload)
}

type completeRequest struct {
	WantsReminder bool `json:"wantsReminder"`
	WantsShare    bool `json:"wantsShare"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req completeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	shareID, err := s.coordinator.Finish(r.Context(), sessionID, req.WantsReminder, req.WantsShare)
	if err != nil {
		s.audit(r, "session.complete", "fail", "session_id", sessionID, "reason", err.Error())
		writeAppError(w, err)
		return
	}
	s.audit(r, "session.complete", "success", "session_id", sessionID, "shared", shareID != "")
	resp := map[string]any{"status": "completed"}
	if shareID != "" {
		resp["shareId"] = shareID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShared(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	shareID := strings.TrimPrefix(r.URL.Path, "/api/shared/")
	if shareID == "" || strings.Contains(shareID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	view, err := s.coordinator.SharedView(r.Context(), shareID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func parseIdentity(req magicLinkRequest) (domain.Identity, error) {
	if strings.TrimSpace(req.Email) != "" {
		return domain.NewEmailIdentity(req.Email)
	}
	return domain.NewPlatformIdentity(req.Platform, req.PlatformUserID)
}

func bearerCredential(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// writeAppError maps coordinator errors onto HTTP statuses. Token failures
// collapse into one message so callers cannot probe which tokens ever existed.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, "invalid or expired link")
	case errors.Is(err, app.ErrInvalidIdentity):
		writeError(w, http.StatusBadRequest, "a valid email or platform identity is required")
	case errors.Is(err, app.ErrUnknownQuestion):
		writeError(w, http.StatusBadRequest, "unknown question for this session")
	case errors.Is(err, app.ErrEmptyAnswer):
		writeError(w, http.StatusBadRequest, "answer text or an explicit skip is required")
	case errors.Is(err, app.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrSessionNotActive):
		writeError(w, http.StatusConflict, "session no longer accepts changes")
	case errors.Is(err, app.ErrIncompleteSession):
		writeError(w, http.StatusConflict, "every question needs an answer or a skip first")
	default:
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, msg string) bool {
	if s.linkLimiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	if s.linkLimiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
