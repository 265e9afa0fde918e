// ABOUTME: Builds the bounded outbound conversation context for a model call.
// ABOUTME: Walks history newest-first under line and character budgets.

package llm

import (
	"strings"

	"github.com/2389/ria-gateway/internal/render"
	"github.com/2389/ria-gateway/internal/session"
)

// Roles of outbound messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one outbound chat line.
type Message struct {
	Role    string
	Content string
}

func roleFor(sp session.Speaker) (string, bool) {
	switch sp {
	case session.SpeakerUser:
		return RoleUser, true
	case session.SpeakerBot, session.SpeakerAI, session.SpeakerAgent:
		return RoleAssistant, true
	}
	return "", false
}

// guidance is the fixed leading system message.
func guidance(s *session.Session) string {
	g := s.Graph()
	var b strings.Builder
	if g.BotName != "" {
		b.WriteString("Your name is ")
		b.WriteString(g.BotName)
		b.WriteString(". ")
	}
	b.WriteString(render.Placeholders(g.Guidelines, s.Variables))
	return strings.TrimSpace(b.String())
}

// BuildContext returns guidance, then as much recent history as fits in
// ContextLines and MaxQueryLength, then text unless it is empty. Markup is
// stripped before lengths are counted. System lines and lines without a known
// speaker are skipped.
func (r *Router) BuildContext(s *session.Session, text string) []Message {
	head := Message{Role: RoleSystem, Content: guidance(s)}
	tail := Message{Role: RoleUser, Content: render.StripTags(text)}
	used := len(head.Content) + len(tail.Content)

	var picked []Message
	for i := len(s.History) - 1; i >= 0; i-- {
		if r.opts.ContextLines > 0 && len(picked) >= r.opts.ContextLines {
			break
		}
		e := s.History[i]
		if e.Speaker == session.SpeakerSystem {
			continue
		}
		role, ok := roleFor(e.Speaker)
		if !ok {
			r.logger.Warn("skipping malformed history line", "user_id", s.UserID, "speaker", string(e.Speaker), "index", i)
			continue
		}
		content := render.StripTags(e.Text)
		if content == "" {
			continue
		}
		if r.opts.MaxQueryLength > 0 && used+len(content) > r.opts.MaxQueryLength {
			break
		}
		used += len(content)
		picked = append(picked, Message{Role: role, Content: content})
	}

	out := make([]Message, 0, len(picked)+2)
	out = append(out, head)
	for i := len(picked) - 1; i >= 0; i-- {
		out = append(out, picked[i])
	}
	if tail.Content == "" {
		return out
	}
	return append(out, tail)
}
