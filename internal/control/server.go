// Package control exposes the local HTTP surface used by the CLI and by
// operators: session status, pairing challenges, restarts, outbound sends
// and approval dispatches.
package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/teamrelay/teamrelay/internal/dispatch"
	"github.com/teamrelay/teamrelay/internal/engine"
	"github.com/teamrelay/teamrelay/internal/gateway"
	"github.com/teamrelay/teamrelay/internal/journal"
	"github.com/teamrelay/teamrelay/internal/session"
)

// Server is the control HTTP surface. It is bound to localhost by default
// and optionally protected with a bearer token.
type Server struct {
	engine  *engine.Engine
	gw      *gateway.Client
	journal *journal.Journal
	token   string
	version string
	started time.Time
	log     *slog.Logger
}

// NewServer builds a control server around a running engine.
func NewServer(eng *engine.Engine, gw *gateway.Client, j *journal.Journal, token, version string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:  eng,
		gw:      gw,
		journal: j,
		token:   token,
		version: version,
		started: time.Now(),
		log:     log,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated health check.
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"backend": s.gw.Healthy(r.Context()),
		})
	})

	mux.HandleFunc("/status", s.auth(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		sessions := map[string]any{}
		for _, role := range s.engine.Roles() {
			sessions[string(role)] = s.sessionStatus(role)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version":       s.version,
			"uptimeSeconds": int(time.Since(s.started).Seconds()),
			"teamGroupId":   s.engine.TeamGroupID(),
			"sessions":      sessions,
		})
	}))

	mux.HandleFunc("/journal", s.auth(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := s.journal.Recent(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if entries == nil {
			entries = []journal.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}))

	mux.HandleFunc("/sessions/", s.auth(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
		roleToken, action, _ := strings.Cut(rest, "/")
		role, ok := engine.ParseRole(roleToken)
		if !ok || s.engine.Session(role) == nil {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		s.handleSessionAction(w, r, role, action)
	}))

	// Unlabeled aliases target the primary session. Kept for clients that
	// predate dual-account support. Per-session status lives at
	// /session-status here; the root /status serves the engine overview.
	for _, action := range []string{"session-status", "qr-challenge", "restart", "send", "dispatch-approval", "account-identity"} {
		action := action
		mux.HandleFunc("/"+action, s.auth(func(w http.ResponseWriter, r *http.Request) {
			s.handleSessionAction(w, r, s.engine.Primary(), aliasAction(action))
		}))
	}

	return mux
}

func aliasAction(action string) string {
	if action == "session-status" {
		return "status"
	}
	return action
}

func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request, role engine.Role, action string) {
	sess := s.engine.Session(role)
	switch action {
	case "status":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, s.sessionStatus(role))

	case "qr-challenge":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		code, ok := sess.QRChallenge()
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"available": false})
			return
		}
		png, err := qrcode.Encode(code, qrcode.Medium, 256)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"available":    true,
			"rawChallenge": code,
			"imageData":    "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		})

	case "restart":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		sess.Restart()
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})

	case "account-identity":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		id, ok := sess.Identity()
		if !ok {
			writeError(w, http.StatusNotFound, "not authenticated")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"address":     id,
			"accountKind": accountKind(role),
		})

	case "send":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req struct {
			Recipient string `json:"recipient"`
			Text      string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Recipient == "" || req.Text == "" {
			writeError(w, http.StatusBadRequest, "recipient and text are required")
			return
		}
		if _, err := s.engine.SendText(r.Context(), role, req.Recipient, req.Text); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"delivered": true})

	case "dispatch-approval":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req struct {
			ApprovalID string   `json:"approvalId"`
			PromptText string   `json:"promptText"`
			Options    []string `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ApprovalID == "" {
			writeError(w, http.StatusBadRequest, "approvalId is required")
			return
		}
		res, err := s.engine.DispatchApproval(r.Context(), dispatch.Request{
			ApprovalID: req.ApprovalID,
			PromptText: req.PromptText,
			Options:    req.Options,
		})
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"groupMessageId": res.GroupMessageID,
			"formatUsed":     res.Format,
		})

	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

func (s *Server) sessionStatus(role engine.Role) map[string]any {
	sess := s.engine.Session(role)
	st := sess.Status()
	out := map[string]any{
		"state":                   st.State.String(),
		"reconnectAttempts":       sess.ReconnectAttempts(),
		"hasPendingAuthChallenge": st.HasPendingAuthChallenge,
	}
	if id, ok := sess.Identity(); ok {
		out["identity"] = id
	}
	if st.State == session.StateConnected {
		out["connected"] = true
	}
	return out
}

// auth enforces the bearer token when one is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.token {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
		}
		next(w, r)
	}
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("control surface listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func accountKind(role engine.Role) string {
	if role == engine.RoleAssistant {
		return "Assistant"
	}
	return "User"
}
