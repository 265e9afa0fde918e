// ABOUTME: Routes each turn to the bot, AI model or human agent that owns the session.
// ABOUTME: Runs per-turn hooks, detects the agent escape prefix and contains panics.

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/2389/ria-gateway/internal/agent"
	"github.com/2389/ria-gateway/internal/i18n"
	"github.com/2389/ria-gateway/internal/render"
	"github.com/2389/ria-gateway/internal/script"
	"github.com/2389/ria-gateway/internal/session"
)

// EscapePrefixParam names the flow param holding the AI-to-agent escape prefix.
const EscapePrefixParam = "agent_escape_prefix"

// StartOwnerParam names the flow param choosing who greets the user.
const StartOwnerParam = "start_owner"

// Bot drives a session through its flow graph.
type Bot interface {
	Start(ctx context.Context, s *session.Session) []string
	Resume(ctx context.Context, s *session.Session) []string
	Goto(ctx context.Context, s *session.Session, id int) []string
	OnUserMessage(ctx context.Context, s *session.Session, text string) []string
}

// Model answers AI-owned turns.
type Model interface {
	Dispatch(ctx context.Context, s *session.Session, text string) []string
}

// Agents relays agent-owned turns.
type Agents interface {
	Start(ctx context.Context, s *session.Session) agent.Result
	UserMessage(ctx context.Context, s *session.Session, text string) agent.Result
}

// Reply is the outcome of one dispatched turn.
type Reply struct {
	Messages []string
	Ended    bool
	// Waiting asks the client to send an empty message right away so a
	// pending handoff can complete.
	Waiting bool
	State   session.Owner
	Locale  string
}

// Dispatcher is the single arbiter of session ownership during a turn.
type Dispatcher struct {
	bot     Bot
	model   Model
	agents  Agents
	scripts script.Runner
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Dispatcher.
func New(bot Bot, model Model, agents Agents, scripts script.Runner, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		bot:     bot,
		model:   model,
		agents:  agents,
		scripts: scripts,
		logger:  logger.With("component", "dispatcher"),
		now:     time.Now,
	}
}

// LetsChat opens the conversation with whichever owner the flow starts with.
func (d *Dispatcher) LetsChat(ctx context.Context, s *session.Session) (reply Reply) {
	defer d.contain(s, &reply)

	s.SetOwner(session.ParseOwner(s.Graph().Param(StartOwnerParam)))
	start := s.Owner

	var msgs []string
	switch s.Owner {
	case session.OwnerBot:
		msgs = d.fromBot(s, d.bot.Start(ctx, s))
	case session.OwnerAIModel:
		msgs = d.fromModel(ctx, s, "")
	case session.OwnerAgent:
		msgs = d.fromAgents(ctx, s, "")
	default:
		panic(fmt.Sprintf("dispatch to invalid owner %s", s.Owner))
	}
	return d.reply(s, msgs, start)
}

// UserMessage dispatches one user turn.
func (d *Dispatcher) UserMessage(ctx context.Context, s *session.Session, text string) (reply Reply) {
	defer d.contain(s, &reply)

	if s.Ended {
		return d.reply(s, nil, s.Owner)
	}
	before := s.Owner

	var msgs []string
	if hook := s.Graph().Hooks.OnUserMessage; hook != "" {
		mark := len(s.History)
		var took bool
		msgs, took = d.runHook(ctx, s, hook, text)
		if took {
			if s.Ended || s.Owner == session.OwnerBot {
				d.recordUserAt(s, mark, text)
				return d.reply(s, msgs, before)
			}
			// Switched to the model or an agent: the new owner takes this turn's text.
			before = s.Owner
		}
	}

	switch s.Owner {
	case session.OwnerBot:
		msgs = append(msgs, d.fromBot(s, d.bot.OnUserMessage(ctx, s, text))...)
	case session.OwnerAIModel:
		msgs = append(msgs, d.fromModel(ctx, s, text)...)
	case session.OwnerAgent:
		msgs = append(msgs, d.fromAgents(ctx, s, text)...)
	default:
		panic(fmt.Sprintf("dispatch to invalid owner %s", s.Owner))
	}
	return d.reply(s, msgs, before)
}

// fromModel asks the model, then applies the escape prefix and the AI hook.
func (d *Dispatcher) fromModel(ctx context.Context, s *session.Session, text string) []string {
	msgs := d.model.Dispatch(ctx, s, text)
	if s.Ended {
		return msgs
	}

	g := s.Graph()
	prefix := g.Param(EscapePrefixParam)
	out := make([]string, 0, len(msgs))
	escaped := false
	for _, m := range msgs {
		if prefix != "" && strings.HasPrefix(strings.TrimSpace(m), prefix) {
			escaped = true
			m = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(m), prefix))
		}
		if m != "" {
			out = append(out, m)
		}
	}
	if escaped {
		d.logger.Info("model requested agent handoff", "user_id", s.UserID)
		s.SetOwner(session.OwnerAgent)
		return out
	}

	if hook := g.Hooks.OnAIMessage; hook != "" {
		for _, m := range msgs {
			if s.Owner != session.OwnerAIModel || s.Ended {
				break
			}
			extra, _ := d.runHook(ctx, s, hook, m)
			out = append(out, extra...)
		}
	}
	return out
}

// fromAgents starts a handoff when no agent is bound, otherwise forwards text.
// A hand-back resumes the bot at its current node.
func (d *Dispatcher) fromAgents(ctx context.Context, s *session.Session, text string) []string {
	var res agent.Result
	if s.AgentID == session.NoAgent {
		s.Record(session.SpeakerUser, text, d.now())
		res = d.agents.Start(ctx, s)
	} else {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		res = d.agents.UserMessage(ctx, s, text)
	}

	msgs := res.Messages
	if res.Handback && !s.Ended {
		msgs = append(msgs, d.fromBot(s, d.bot.Resume(ctx, s))...)
	}
	return msgs
}

// fromBot renders bot output as HTML when the flow enables markdown. Model
// and agent replies are passed through untouched.
func (d *Dispatcher) fromBot(s *session.Session, msgs []string) []string {
	if !s.Graph().Markdown {
		return msgs
	}
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = render.Markdown(m)
	}
	return out
}

// recordUserAt inserts the user's text at history index i, ahead of whatever
// a hook recorded in reply to it.
func (d *Dispatcher) recordUserAt(s *session.Session, i int, text string) {
	if text == "" || i > len(s.History) {
		return
	}
	e := session.Entry{Speaker: session.SpeakerUser, Text: text, At: d.now()}
	s.History = append(s.History, session.Entry{})
	copy(s.History[i+1:], s.History[i:])
	s.History[i] = e
}

// runHook runs a hook script with input. It reports whether the hook took
// over the turn; undefined or zero return codes leave the turn alone.
func (d *Dispatcher) runHook(ctx context.Context, s *session.Session, code, input string) ([]string, bool) {
	g := s.Graph()
	res, err := d.scripts.Run(ctx, script.Request{
		Prelude:   g.ScriptPrelude,
		Code:      code,
		Input:     input,
		Locale:    s.Locale,
		Variables: s.Vars(),
	})
	if err != nil {
		if script.IsCompile(err) {
			d.logger.Error("hook compile failed", "user_id", s.UserID, "error", err)
		} else {
			d.logger.Warn("hook run failed", "user_id", s.UserID, "error", err)
		}
		msg := s.Text(i18n.TryLater)
		s.Record(session.SpeakerSystem, msg, d.now())
		s.End()
		return []string{msg}, true
	}

	s.Variables = res.Variables
	var msgs []string
	if res.Message != "" {
		s.Record(session.SpeakerBot, res.Message, d.now())
		msgs = append(msgs, d.fromBot(s, []string{res.Message})...)
	}
	if !res.Defined || res.Code == 0 {
		return msgs, false
	}

	switch {
	case res.Code > 0:
		s.SetOwner(session.OwnerBot)
		msgs = append(msgs, d.fromBot(s, d.bot.Goto(ctx, s, res.Code))...)
	case res.Code == script.CodeEnd:
		s.End()
	case res.Code == script.CodeRestart:
		s.SetOwner(session.OwnerBot)
		msgs = append(msgs, d.fromBot(s, d.bot.Start(ctx, s))...)
	case res.Code == script.CodeToAI:
		s.SetOwner(session.OwnerAIModel)
	case res.Code == script.CodeToAgent:
		s.SetOwner(session.OwnerAgent)
	default:
		d.logger.Warn("hook returned unknown code", "user_id", s.UserID, "code", res.Code)
		return msgs, false
	}
	return msgs, true
}

// reply packages the turn. Waiting is set when the turn moved the session to
// the AI or agent owner and that owner has not spoken yet. A silent move to an
// agent gets the localized waiting notice so the user sees something.
func (d *Dispatcher) reply(s *session.Session, msgs []string, before session.Owner) Reply {
	waiting := false
	if !s.Ended && s.Owner != before {
		switch s.Owner {
		case session.OwnerAIModel:
			waiting = true
		case session.OwnerAgent:
			waiting = s.AgentID == session.NoAgent
			if waiting && len(msgs) == 0 {
				msg := s.Text(i18n.Waiting)
				s.Record(session.SpeakerSystem, msg, d.now())
				msgs = []string{msg}
			}
		}
	}
	return Reply{
		Messages: msgs,
		Ended:    s.Ended,
		Waiting:  waiting,
		State:    s.Owner,
		Locale:   s.Locale,
	}
}

// contain turns a panic anywhere in a turn into a generic error that ends the session.
func (d *Dispatcher) contain(s *session.Session, reply *Reply) {
	r := recover()
	if r == nil {
		return
	}
	d.logger.Error("dispatch panicked", "user_id", s.UserID, "owner", s.Owner.String(), "panic", r, "stack", string(debug.Stack()))
	msg := s.Text(i18n.Failure)
	s.Record(session.SpeakerSystem, msg, d.now())
	s.End()
	*reply = Reply{Messages: []string{msg}, Ended: true, State: s.Owner, Locale: s.Locale}
}
