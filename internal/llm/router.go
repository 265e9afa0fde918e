// ABOUTME: Model router that forwards AI-owned turns to the first idle backend in the pool.
// ABOUTME: Each client serves one request at a time; the busy flag is claimed by CAS.

package llm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/ria-gateway/internal/i18n"
	"github.com/2389/ria-gateway/internal/session"
)

// ErrNoContent indicates the backend reply had nothing at the content path.
var ErrNoContent = errors.New("no content in model reply")

// Client is one AI backend of the pool.
type Client struct {
	ID  int64
	URL string
	// Provider is the <prefix> of the flow's <prefix>_api_key param.
	Provider string
	// Group restricts the client to sessions of one AI group; empty serves all.
	Group   string
	Enabled bool

	// busy is shared with the same-ID client of an earlier pool so a reload
	// cannot hand out a backend that still has a call in flight.
	busy *atomic.Bool
}

// Busy reports whether a request is in flight on the client.
func (c *Client) Busy() bool {
	return c.busy != nil && c.busy.Load()
}

func (c *Client) serves(group string) bool {
	return c.Enabled && (c.Group == "" || c.Group == group)
}

// Completer sends a prepared request to a backend and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, c *Client, req Request) (string, error)
}

// Request is what a Completer sends.
type Request struct {
	APIKey   string
	Model    string
	Messages []Message
}

// Options tune context building and slow-call detection.
type Options struct {
	ContextLines     int
	MaxQueryLength   int
	RequestTimeout   time.Duration
	NormalTurnaround time.Duration
	SlowFactor       float64
	Model            string
	APIKey           string
}

// Router is the AI model owner of a session.
type Router struct {
	mu      sync.RWMutex
	clients []*Client
	backend Completer
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewRouter creates a Router over a fixed pool.
func NewRouter(clients []*Client, backend Completer, opts Options, logger *slog.Logger) *Router {
	carryBusy(nil, clients)
	return &Router{
		clients: clients,
		backend: backend,
		opts:    opts,
		logger:  logger.With("component", "model_router"),
		now:     time.Now,
	}
}

// Clients returns a snapshot of the pool.
func (r *Router) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Client(nil), r.clients...)
}

// Replace swaps the pool on reload. A client keeps the busy flag of the
// old client with its ID, so calls in flight still hold it.
func (r *Router) Replace(clients []*Client) {
	r.mu.Lock()
	carryBusy(r.clients, clients)
	r.clients = clients
	r.mu.Unlock()
	r.logger.Info("model pool replaced", "clients", len(clients))
}

// carryBusy gives each fresh client the busy flag of the old client with the
// same ID, or a new idle flag.
func carryBusy(old, fresh []*Client) {
	flags := make(map[int64]*atomic.Bool, len(old))
	for _, c := range old {
		if c.busy != nil {
			flags[c.ID] = c.busy
		}
	}
	for _, c := range fresh {
		if f, ok := flags[c.ID]; ok {
			c.busy = f
		} else if c.busy == nil {
			c.busy = new(atomic.Bool)
		}
	}
}

// BusyCount returns the number of clients with a request in flight.
func (r *Router) BusyCount() int {
	n := 0
	for _, c := range r.Clients() {
		if c.Busy() {
			n++
		}
	}
	return n
}

// claim marks the first idle client serving group as busy and returns it.
func (r *Router) claim(group string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if c.serves(group) && c.busy.CompareAndSwap(false, true) {
			return c
		}
	}
	return nil
}

// Dispatch sends text with the session's context to an idle backend and
// returns the reply. An empty text asks the model to continue from history,
// which is how a freshly handed-off session is greeted. When every client is
// busy the session stays alive and a busy message is returned; a failed call
// ends the session.
func (r *Router) Dispatch(ctx context.Context, s *session.Session, text string) []string {
	c := r.claim(s.Group)
	if c == nil {
		r.logger.Info("all model clients busy", "user_id", s.UserID, "pool", len(r.Clients()))
		s.Record(session.SpeakerUser, text, r.now())
		s.Touch(r.now())
		return []string{s.Text(i18n.Busy)}
	}
	defer c.busy.Store(false)

	g := s.Graph()
	req := Request{
		APIKey:   r.opts.APIKey,
		Model:    r.opts.Model,
		Messages: r.BuildContext(s, text),
	}
	if c.Provider != "" {
		if key := g.APIKey(c.Provider); key != "" {
			req.APIKey = key
		}
		if m := g.Param(c.Provider + "_model"); m != "" {
			req.Model = m
		}
	}
	s.Record(session.SpeakerUser, text, r.now())

	callCtx := ctx
	if r.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.opts.RequestTimeout)
		defer cancel()
	}

	start := r.now()
	reply, err := r.backend.Complete(callCtx, c, req)
	elapsed := r.now().Sub(start)

	if limit := time.Duration(float64(r.opts.NormalTurnaround) * r.opts.SlowFactor); limit > 0 && elapsed > limit {
		r.logger.Warn("slow model response", "endpoint", c.URL, "user_id", s.UserID, "elapsed", elapsed, "limit", limit)
	}

	if err != nil {
		r.logger.Error("model request failed", "endpoint", c.URL, "user_id", s.UserID, "error", err)
		s.End()
		msg := s.Text(i18n.TryLater)
		if errors.Is(err, ErrNoContent) {
			msg = s.Text(i18n.Failure)
		}
		s.Record(session.SpeakerSystem, msg, r.now())
		return []string{msg}
	}

	s.Record(session.SpeakerAI, reply, r.now())
	s.Touch(r.now())
	return []string{reply}
}
