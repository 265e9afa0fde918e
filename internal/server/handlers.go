// ABOUTME: Form-encoded conversation endpoints: login, logout, letschat and message
// ABOUTME: Responses use the uppercase JSON keys expected by the website widget

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/ria-gateway/internal/auth"
	"github.com/2389/ria-gateway/internal/dispatch"
	"github.com/2389/ria-gateway/internal/session"
	"github.com/2389/ria-gateway/internal/store"
)

const (
	statusOK    = "OK"
	statusError = "ERROR"
)

// maxFormBytes caps the size of a request body.
const maxFormBytes = 64 << 10

// ChatResponse is the body of /letschat and /message.
type ChatResponse struct {
	Messages []string `json:"CHATBOT_MESSAGE"`
	Ended    bool     `json:"CHAT_ENDED"`
	State    string   `json:"CHAT_STATE"`
	Locale   string   `json:"LOCALE"`
	Waiting  bool     `json:"CHATBOT_WAITING,omitempty"`
	Status   string   `json:"STATUS"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Message string `json:"ERROR_MESSAGE"`
	Code    int    `json:"ERROR_CODE"`
	Status  string `json:"STATUS"`
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.Handle("POST /letschat", s.requireWebsite(http.HandlerFunc(s.handleLetsChat)))
	mux.Handle("POST /message", s.requireWebsite(http.HandlerFunc(s.handleMessage)))

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	admin := auth.RequireAdminToken(s.config.Auth.AdminToken)
	mux.Handle("POST /admin/enable", admin(http.HandlerFunc(s.handleEnable)))
	mux.Handle("POST /admin/disable", admin(http.HandlerFunc(s.handleDisable)))
	mux.Handle("POST /admin/reload", admin(http.HandlerFunc(s.handleReload)))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.sendJSONError(w, http.StatusNotFound, "unknown endpoint")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Message: message, Code: status, Status: statusError})
}

// parseForm reads a form body and checks that every field in required is present.
func parseForm(w http.ResponseWriter, r *http.Request, required ...string) (url.Values, string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return nil, "malformed form body"
	}
	for _, f := range required {
		if _, ok := r.PostForm[f]; !ok {
			return nil, "missing parameter: " + f
		}
	}
	return r.PostForm, ""
}

// callerHosts lists the names a website may be registered under, most
// specific first: the Origin and Referer hosts, then the client IP.
func (s *Server) callerHosts(r *http.Request) []string {
	var hosts []string
	for _, h := range []string{r.Header.Get("Origin"), r.Header.Get("Referer")} {
		if h == "" {
			continue
		}
		if u, err := url.Parse(h); err == nil && u.Hostname() != "" {
			hosts = append(hosts, u.Hostname())
		}
	}

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	if s.config.Server.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
	}
	return append(hosts, ip)
}

// findWebsite resolves the calling website from its host or IP.
func (s *Server) findWebsite(r *http.Request) (*store.Website, error) {
	for _, host := range s.callerHosts(r) {
		w, err := s.store.GetWebsiteByHost(r.Context(), host)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, store.ErrNotFound
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.enabled.Load() {
		s.sendJSONError(w, http.StatusServiceUnavailable, ErrServerDisabled.Error())
		return
	}
	form, msg := parseForm(w, r, "key1", "key2")
	if msg != "" {
		s.sendJSONError(w, http.StatusBadRequest, msg)
		return
	}

	site, err := s.findWebsite(r)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("website lookup failed", "error", err)
		}
		s.sendJSONError(w, http.StatusUnauthorized, "unknown website")
		return
	}
	if !auth.CheckKeys(site, form.Get("key1"), form.Get("key2")) {
		s.logger.Warn("login rejected", "website_id", site.ID, "remote", r.RemoteAddr)
		s.sendJSONError(w, http.StatusUnauthorized, "invalid keys")
		return
	}
	if !site.Enabled || site.Removed {
		s.sendJSONError(w, http.StatusForbidden, "website disabled")
		return
	}

	token, err := s.tokens.Issue(site.ID)
	if err != nil {
		s.logger.Error("issuing token", "website_id", site.ID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	s.logger.Info("website logged in", "website_id", site.ID, "name", site.Name)
	s.writeJSON(w, http.StatusOK, map[string]string{"TOKEN": token, "STATUS": statusOK})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	form, msg := parseForm(w, r, "token")
	if msg != "" {
		s.sendJSONError(w, http.StatusBadRequest, msg)
		return
	}
	if !s.tokens.Revoke(form.Get("token")) {
		s.sendJSONError(w, http.StatusForbidden, "unknown token")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"STATUS": statusOK})
}

// requireWebsite authenticates the form token and attaches the website to
// the request context.
func (s *Server) requireWebsite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.enabled.Load() {
			s.sendJSONError(w, http.StatusServiceUnavailable, ErrServerDisabled.Error())
			return
		}
		form, msg := parseForm(w, r, "token", "usr_id")
		if msg != "" {
			s.sendJSONError(w, http.StatusBadRequest, msg)
			return
		}
		if strings.TrimSpace(form.Get("usr_id")) == "" {
			s.sendJSONError(w, http.StatusBadRequest, "empty parameter: usr_id")
			return
		}

		token := form.Get("token")
		websiteID, err := s.tokens.Lookup(token)
		if err != nil {
			s.sendJSONError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		site, err := s.store.GetWebsite(r.Context(), websiteID)
		if err != nil || !site.Enabled || site.Removed {
			s.tokens.Revoke(token)
			s.sendJSONError(w, http.StatusUnauthorized, "website no longer allowed")
			return
		}

		ctx := auth.WithWebsite(r.Context(), &auth.WebsiteAuth{Token: token, Website: site})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleLetsChat(w http.ResponseWriter, r *http.Request) {
	site := auth.WebsiteFromContext(r.Context()).Website
	userID := r.PostForm.Get("usr_id")
	key := session.Key(site.ID, userID)

	sess := session.New(userID, site.ID, site.Group, s.flow.Load(), s.config.Sessions.Timeout, s.now())
	h, replaced, err := s.sessions.Create(r.Context(), key, sess)
	if err != nil {
		s.sendJSONError(w, http.StatusServiceUnavailable, "session busy")
		return
	}
	defer h.Release()

	if replaced != nil {
		s.logger.Debug("replacing session", "user_id", userID, "website_id", site.ID)
		if _, err := s.archive.Archive(r.Context(), replaced); err != nil {
			s.logger.Error("archive failed", "user_id", userID, "error", err)
		}
	}

	reply, ok := s.dispatch(r.Context(), w, func(ctx context.Context) dispatch.Reply {
		return s.dispatcher.LetsChat(ctx, sess)
	})
	if !ok {
		s.sessions.Discard(key, h)
		return
	}
	s.logger.Info("chat started", "user_id", userID, "website_id", site.ID, "owner", reply.State.String())
	s.writeJSON(w, http.StatusOK, s.chatResponse(reply))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	site := auth.WebsiteFromContext(r.Context()).Website
	if _, ok := r.PostForm["message"]; !ok {
		s.sendJSONError(w, http.StatusBadRequest, "missing parameter: message")
		return
	}
	userID := r.PostForm.Get("usr_id")
	text := r.PostForm.Get("message")

	h, err := s.sessions.Acquire(r.Context(), session.Key(site.ID, userID))
	if errors.Is(err, session.ErrNotFound) {
		s.sendJSONError(w, http.StatusForbidden, "no session for user")
		return
	}
	if err != nil {
		s.sendJSONError(w, http.StatusServiceUnavailable, "session busy")
		return
	}
	defer h.Release()
	sess := h.Session()

	reply, ok := s.dispatch(r.Context(), w, func(ctx context.Context) dispatch.Reply {
		return s.dispatcher.UserMessage(ctx, sess, text)
	})
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.chatResponse(reply))
}

// dispatch runs fn under the concurrency bound. It writes a 503 and
// reports false when no slot frees up before the request is canceled.
func (s *Server) dispatch(ctx context.Context, w http.ResponseWriter, fn func(context.Context) dispatch.Reply) (dispatch.Reply, bool) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.sendJSONError(w, http.StatusServiceUnavailable, "server busy")
		return dispatch.Reply{}, false
	}
	defer s.sem.Release(1)
	return fn(ctx), true
}

func (s *Server) chatResponse(reply dispatch.Reply) ChatResponse {
	msgs := reply.Messages
	if msgs == nil {
		msgs = []string{}
	}
	return ChatResponse{
		Messages: msgs,
		Ended:    reply.Ended,
		State:    reply.State.String(),
		Locale:   reply.Locale,
		Waiting:  reply.Waiting,
		Status:   statusOK,
	}
}
