// ABOUTME: Relays agent-owned turns to human agents reached through a messenger service.
// ABOUTME: New handoffs round-robin across the ring; follow-ups go to the bound agent.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2389/ria-gateway/internal/i18n"
	"github.com/2389/ria-gateway/internal/render"
	"github.com/2389/ria-gateway/internal/session"
)

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// Endpoint is one human agent reachable over HTTP.
type Endpoint struct {
	ID   int
	Name string
	URL  string
	// Group restricts the agent to sessions of one AI group; empty serves all.
	Group   string
	Enabled bool
	Removed bool
}

func (e *Endpoint) serves(group string) bool {
	return e.Enabled && !e.Removed && (e.Group == "" || e.Group == group)
}

// Result is the outcome of one relayed turn.
type Result struct {
	Messages []string
	// Handback is set when the agent returned the conversation to the bot.
	Handback bool
}

// Relay is the agent owner of a session.
type Relay struct {
	mu        sync.RWMutex
	ring      []*Endpoint
	router    *Router
	transport Transport
	logger    *slog.Logger
	now       func() time.Time
}

// NewRelay creates a Relay over the endpoints in ring order.
func NewRelay(endpoints []*Endpoint, transport Transport, logger *slog.Logger) *Relay {
	return &Relay{
		ring:      endpoints,
		router:    NewRouter(),
		transport: transport,
		logger:    logger.With("component", "agent_relay"),
		now:       time.Now,
	}
}

// Replace swaps the ring, keeping the cursor.
func (r *Relay) Replace(endpoints []*Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring = endpoints
	r.logger.Info("agent ring replaced", "total_agents", len(endpoints))
}

// ListAgents returns the ring in order.
func (r *Relay) ListAgents() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, len(r.ring))
	copy(out, r.ring)
	return out
}

// GetAgent returns the agent with id.
func (r *Relay) GetAgent(id int) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ep := range r.ring {
		if ep.ID == id {
			return ep, true
		}
	}
	return nil, false
}

// bound returns the live agent with id, or an error wrapping ErrAgentNotFound
// when it left the ring, was disabled or was removed.
func (r *Relay) bound(id int) (*Endpoint, error) {
	ep, ok := r.GetAgent(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrAgentNotFound, id)
	}
	if !ep.Enabled || ep.Removed {
		return nil, fmt.Errorf("%w: %d is disabled", ErrAgentNotFound, id)
	}
	return ep, nil
}

// Cursor returns the index the next handoff scan starts at.
func (r *Relay) Cursor() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.router.Start(len(r.ring))
}

// Start hands the session to the first eligible agent at or after the cursor,
// sending the full transcript. The ring is scanned at most once; each agent
// is tried at most once. When no agent accepts, the session ends.
func (r *Relay) Start(ctx context.Context, s *session.Session) Result {
	ring := r.ListAgents()
	n := len(ring)
	start := r.router.Start(n)
	form := r.form(s, "start")
	form.Set("transcript", Transcript(s))

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		ep := ring[idx]
		if !ep.serves(s.Group) {
			continue
		}

		reply, err := r.transport.Deliver(ctx, ep, form)
		if err != nil {
			r.logger.Warn("agent handoff failed", "agent_id", ep.ID, "endpoint", ep.URL, "user_id", s.UserID, "error", err)
			continue
		}

		r.router.Advance(idx, n)
		s.AgentID = ep.ID
		r.logger.Info("session handed to agent", "agent_id", ep.ID, "name", ep.Name, "user_id", s.UserID)
		return r.apply(s, reply)
	}

	r.router.Set(start+n, n)
	r.logger.Warn("no agent available", "user_id", s.UserID, "group", s.Group, "total_agents", n)
	msg := s.Text(i18n.NoAgent)
	s.Record(session.SpeakerSystem, msg, r.now())
	s.End()
	return Result{Messages: []string{msg}}
}

// UserMessage forwards text to the agent bound to the session. Any failure
// ends the session.
func (r *Relay) UserMessage(ctx context.Context, s *session.Session, text string) Result {
	s.Record(session.SpeakerUser, text, r.now())
	s.Touch(r.now())

	ep, err := r.bound(s.AgentID)
	if err != nil {
		r.logger.Warn("bound agent gone", "user_id", s.UserID, "error", err)
		return r.fail(s)
	}

	form := r.form(s, "message")
	form.Set("message", text)
	reply, err := r.transport.Deliver(ctx, ep, form)
	if err != nil {
		r.logger.Error("agent delivery failed", "agent_id", ep.ID, "endpoint", ep.URL, "user_id", s.UserID, "error", err)
		return r.fail(s)
	}
	return r.apply(s, reply)
}

func (r *Relay) fail(s *session.Session) Result {
	msg := s.Text(i18n.TryLater)
	s.Record(session.SpeakerSystem, msg, r.now())
	s.End()
	return Result{Messages: []string{msg}}
}

func (r *Relay) apply(s *session.Session, reply Reply) Result {
	now := r.now()
	res := Result{Messages: make([]string, 0, len(reply.Messages))}
	for _, m := range reply.Messages {
		if m == "" {
			continue
		}
		s.Record(session.SpeakerAgent, m, now)
		res.Messages = append(res.Messages, m)
	}
	s.Touch(now)

	switch {
	case reply.Ended:
		s.End()
	case reply.Handback:
		s.SetOwner(session.OwnerBot)
		s.AgentID = session.NoAgent
		res.Handback = true
	}
	return res
}

func (r *Relay) form(s *session.Session, event string) url.Values {
	form := url.Values{}
	form.Set("event", event)
	form.Set("session_id", s.ID)
	form.Set("user_id", s.UserID)
	form.Set("website_id", s.WebsiteID)
	form.Set("group", s.Group)
	form.Set("locale", s.Locale)
	form.Set("agent_id", strconv.Itoa(s.AgentID))
	if g := s.Graph(); g.BotName != "" {
		form.Set("bot_name", g.BotName)
	}
	return form
}

// Transcript renders the history as "speaker: text" lines with markup stripped.
func Transcript(s *session.Session) string {
	var b strings.Builder
	for _, e := range s.History {
		b.WriteString(string(e.Speaker))
		b.WriteString(": ")
		b.WriteString(render.StripTags(e.Text))
		b.WriteByte('\n')
	}
	return b.String()
}
