// ABOUTME: Per-conversation state threaded across HTTP calls.
// ABOUTME: Tracks owner, current node, variables and the speaker-tagged history.

package session

import (
	"time"

	"github.com/2389/ria-gateway/internal/flow"
	"github.com/2389/ria-gateway/internal/i18n"
	"github.com/google/uuid"
)

// Owner is the subsystem currently producing replies.
type Owner int

const (
	OwnerBot Owner = iota
	OwnerAIModel
	OwnerAgent
	// OwnerWebsite only signals client activity; nothing dispatches to it.
	OwnerWebsite
)

func (o Owner) String() string {
	switch o {
	case OwnerBot:
		return "BOT"
	case OwnerAIModel:
		return "AI"
	case OwnerAgent:
		return "AGENT"
	case OwnerWebsite:
		return "WEBSITE"
	}
	return "UNKNOWN"
}

// ParseOwner maps a flow's start_owner param to an Owner. Unknown values mean the bot.
func ParseOwner(s string) Owner {
	switch s {
	case "ai", "AI", "model":
		return OwnerAIModel
	case "agent", "AGENT":
		return OwnerAgent
	}
	return OwnerBot
}

// Speaker tags a history entry.
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerBot    Speaker = "bot"
	SpeakerAI     Speaker = "ai"
	SpeakerAgent  Speaker = "agent"
	SpeakerSystem Speaker = "system"
)

// Entry is one line of history.
type Entry struct {
	Speaker Speaker
	Text    string
	At      time.Time
}

// NoAgent means the session needs a fresh agent handoff.
const NoAgent = -1

// Session is the live state of one conversation. It is not safe for
// concurrent use; the Table hands out exclusive access per key.
type Session struct {
	ID        string
	UserID    string
	WebsiteID string
	// Group selects which agents and model clients may serve the session.
	Group string

	Flow   *flow.Set
	Locale string
	// NodeID is the current node; zero means no node.
	NodeID int

	Owner     Owner
	AgentID   int
	Variables map[string]string
	History   []Entry
	Ended     bool

	CreatedAt     time.Time
	LastMessageAt time.Time
	Timeout       time.Duration
}

// New creates a session pinned to set, positioned before the main graph's entry.
func New(userID, websiteID, group string, set *flow.Set, timeout time.Duration, now time.Time) *Session {
	return &Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		WebsiteID:     websiteID,
		Group:         group,
		Flow:          set,
		Locale:        set.Main().Locale,
		Owner:         OwnerBot,
		AgentID:       NoAgent,
		Variables:     make(map[string]string),
		CreatedAt:     now,
		LastMessageAt: now,
		Timeout:       timeout,
	}
}

// Graph returns the graph for the session's locale, or the main graph.
func (s *Session) Graph() *flow.Graph {
	if g, ok := s.Flow.Graph(s.Locale); ok {
		return g
	}
	return s.Flow.Main()
}

// Text returns the system message for key, honoring the flow's msg_<key> overrides.
func (s *Session) Text(key i18n.Key) string {
	return s.Graph().Text(string(key), i18n.Text(s.Locale, key))
}

// CurrentNode returns the node the session is positioned on.
func (s *Session) CurrentNode() (*flow.Node, bool) {
	if s.NodeID == 0 {
		return nil, false
	}
	return s.Graph().Node(s.NodeID)
}

// SetOwner switches ownership. Switching into Agent clears the bound agent.
// History and variables are kept across switches.
func (s *Session) SetOwner(o Owner) {
	if o == OwnerAgent && s.Owner != OwnerAgent {
		s.AgentID = NoAgent
	}
	s.Owner = o
}

// Record appends a history entry. Empty text is ignored.
func (s *Session) Record(speaker Speaker, text string, now time.Time) {
	if text == "" {
		return
	}
	s.History = append(s.History, Entry{Speaker: speaker, Text: text, At: now})
}

// Touch marks activity.
func (s *Session) Touch(now time.Time) {
	s.LastMessageAt = now
}

// End marks the conversation finished.
func (s *Session) End() {
	s.Ended = true
	s.NodeID = 0
}

// Expired reports whether the session has been idle longer than its timeout.
func (s *Session) Expired(now time.Time) bool {
	return s.Timeout > 0 && now.Sub(s.LastMessageAt) > s.Timeout
}

// Vars returns a copy of the variables.
func (s *Session) Vars() map[string]string {
	out := make(map[string]string, len(s.Variables))
	for k, v := range s.Variables {
		out[k] = v
	}
	return out
}
