// ABOUTME: Walks a session through its flow graph, validating input and running actions.
// ABOUTME: Nop chains auto-advance; placeholders are substituted once the turn is complete.

package interpreter

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/ria-gateway/internal/flow"
	"github.com/2389/ria-gateway/internal/i18n"
	"github.com/2389/ria-gateway/internal/render"
	"github.com/2389/ria-gateway/internal/script"
	"github.com/2389/ria-gateway/internal/session"
)

// maxSteps bounds node entries in one turn so a cycle of Nop nodes terminates.
const maxSteps = 256

// Interpreter is the bot owner of a session.
type Interpreter struct {
	scripts script.Runner
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Interpreter that runs script nodes on scripts.
func New(scripts script.Runner, logger *slog.Logger) *Interpreter {
	return &Interpreter{
		scripts: scripts,
		logger:  logger.With("component", "interpreter"),
		now:     time.Now,
	}
}

// Start enters the graph at its entry node.
func (in *Interpreter) Start(ctx context.Context, s *session.Session) []string {
	t := in.newTurn(ctx, s)
	s.NodeID = 0
	t.enter(s.Graph().Entry)
	return t.finish()
}

// Resume re-enters the current node, or the entry node if there is none.
// It is used when ownership returns to the bot.
func (in *Interpreter) Resume(ctx context.Context, s *session.Session) []string {
	t := in.newTurn(ctx, s)
	id := s.NodeID
	if _, ok := s.CurrentNode(); !ok {
		id = s.Graph().Entry
	}
	t.enter(id)
	return t.finish()
}

// Goto enters node id directly. A missing node ends the session.
func (in *Interpreter) Goto(ctx context.Context, s *session.Session, id int) []string {
	t := in.newTurn(ctx, s)
	t.enter(id)
	return t.finish()
}

// OnUserMessage handles one line of user input.
func (in *Interpreter) OnUserMessage(ctx context.Context, s *session.Session, text string) []string {
	if s.Ended {
		return nil
	}
	s.Record(session.SpeakerUser, text, in.now())

	t := in.newTurn(ctx, s)
	node, ok := s.CurrentNode()
	switch {
	case !ok && s.NodeID != 0:
		in.logger.Warn("current node missing from graph", "user_id", s.UserID, "node_id", s.NodeID, "locale", s.Locale)
		t.endOffline()
	case !ok:
		t.enter(s.Graph().Entry)
	case node.IsNop():
		t.perform(node, node.OnSuccess, "")
	default:
		in.validate(t, node, text)
	}
	return t.finish()
}

func (in *Interpreter) newTurn(ctx context.Context, s *session.Session) *turn {
	return &turn{in: in, ctx: ctx, s: s}
}

// turn accumulates the output of one interpreter call.
type turn struct {
	in    *Interpreter
	ctx   context.Context
	s     *session.Session
	out   []string
	steps int
}

func (t *turn) emit(msg string) {
	if msg != "" {
		t.out = append(t.out, msg)
	}
}

// finish substitutes placeholders and records the messages as bot history.
func (t *turn) finish() []string {
	now := t.in.now()
	msgs := make([]string, 0, len(t.out))
	for _, m := range t.out {
		m = render.Placeholders(m, t.s.Variables)
		if m == "" {
			continue
		}
		msgs = append(msgs, m)
		t.s.Record(session.SpeakerBot, m, now)
	}
	t.s.Touch(now)
	return msgs
}

// active reports whether the bot still drives the session.
func (t *turn) active() bool {
	return !t.s.Ended && t.s.Owner == session.OwnerBot
}

func (t *turn) endOffline() {
	t.emit(t.s.Text(i18n.Offline))
	t.s.End()
}

// enter moves to node id, emits its message and auto-advances Nop nodes.
func (t *turn) enter(id int) {
	if !t.active() {
		return
	}
	t.steps++
	if t.steps > maxSteps {
		t.in.logger.Warn("node chain did not terminate", "user_id", t.s.UserID, "node_id", id)
		t.endOffline()
		return
	}
	if id == 0 {
		t.endOffline()
		return
	}

	node, err := t.s.Graph().Lookup(id)
	if err != nil {
		t.in.logger.Warn("move to unknown node", "user_id", t.s.UserID, "locale", t.s.Locale, "error", err)
		t.endOffline()
		return
	}

	t.s.NodeID = id
	t.emit(node.Message)
	if node.IsNop() {
		t.perform(node, node.OnSuccess, "")
	}
}

// perform runs action a on behalf of node. value is the validated input.
func (t *turn) perform(node *flow.Node, a flow.Action, value string) {
	if !t.active() {
		return
	}

	switch a.Kind {
	case flow.ActionNop:
		t.emit(a.Message)
		t.enter(a.MoveTo)
	case flow.ActionRepeat:
		t.emit(a.Message)
		t.emit(node.Message)
	case flow.ActionRestart:
		t.emit(a.Message)
		t.enter(t.s.Graph().Entry)
	case flow.ActionEnd:
		t.emit(a.Message)
		t.s.End()
	case flow.ActionSetVariable:
		t.s.Variables[a.Variable] = value
		t.emit(a.Message)
		t.enter(a.MoveTo)
	case flow.ActionSetLocale:
		if !t.setLocale(a, value) {
			t.recover(node, a, value)
		}
	case flow.ActionSwitchToAI:
		t.emit(a.Message)
		t.handOff(a.MoveTo, session.OwnerAIModel)
	case flow.ActionSwitchToAgent:
		t.emit(a.Message)
		t.handOff(a.MoveTo, session.OwnerAgent)
	case flow.ActionArithmetic:
		result, err := arithmetic(t.s.Variables[a.Variable], a.Op, render.Placeholders(a.Operand, t.s.Variables), value)
		if err != nil {
			t.in.logger.Debug("arithmetic failed", "user_id", t.s.UserID, "node_id", node.ID, "error", err)
			t.recover(node, a, value)
			return
		}
		t.s.Variables[a.Variable] = result
		t.emit(a.Message)
		t.enter(a.MoveTo)
	default:
		t.in.logger.Error("unhandled action kind", "kind", a.Kind.String(), "node_id", node.ID)
		t.endOffline()
	}
}

// recover handles an action that could not complete. A failed success
// action falls through to the error action; a failed error action repeats the node.
func (t *turn) recover(node *flow.Node, a flow.Action, value string) {
	if a == node.OnSuccess && a != node.OnError {
		t.perform(node, node.OnError, value)
		return
	}
	t.emit(node.Message)
}

// handOff positions the session where the bot resumes and switches owner.
func (t *turn) handOff(resumeAt int, owner session.Owner) {
	if resumeAt != 0 {
		if _, ok := t.s.Graph().Node(resumeAt); ok {
			t.s.NodeID = resumeAt
		} else {
			t.in.logger.Warn("hand-off resume node missing", "user_id", t.s.UserID, "node_id", resumeAt)
		}
	}
	t.s.SetOwner(owner)
}

// setLocale follows the locale_<value> link and enters the new locale's
// entry node. The action operand, when set, replaces the input as the value.
func (t *turn) setLocale(a flow.Action, value string) bool {
	if a.Operand != "" {
		value = a.Operand
	}
	path, err := t.s.Graph().LocaleFile(value)
	if err != nil {
		t.in.logger.Warn("locale switch failed", "user_id", t.s.UserID, "value", value, "error", err)
		return false
	}
	g, err := t.s.Flow.LoadLocale(path)
	if err != nil {
		t.in.logger.Warn("locale switch failed", "user_id", t.s.UserID, "path", path, "error", err)
		return false
	}

	t.s.Locale = g.Locale
	t.emit(a.Message)
	t.s.NodeID = 0
	t.enter(g.Entry)
	return true
}

// applyCode interprets a control code from a script or matching list.
func (t *turn) applyCode(node *flow.Node, code int) {
	switch {
	case code > 0:
		t.enter(code)
	case code == script.CodeRepeat:
		t.emit(node.Message)
	case code == script.CodeEnd:
		t.s.End()
	case code == script.CodeRestart:
		t.enter(t.s.Graph().Entry)
	case code == script.CodeToAI:
		t.s.SetOwner(session.OwnerAIModel)
	case code == script.CodeToAgent:
		t.s.SetOwner(session.OwnerAgent)
	default:
		t.in.logger.Warn("unknown control code", "user_id", t.s.UserID, "node_id", node.ID, "code", code)
		t.endOffline()
	}
}
