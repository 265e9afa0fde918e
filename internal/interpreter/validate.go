// ABOUTME: Input validation for each node kind and the arithmetic action.
// ABOUTME: Script nodes delegate to the script runner and map its return code.

package interpreter

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/2389/ria-gateway/internal/flow"
	"github.com/2389/ria-gateway/internal/i18n"
	"github.com/2389/ria-gateway/internal/script"
)

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// validate checks text against node and runs the resulting action.
func (in *Interpreter) validate(t *turn, node *flow.Node, text string) {
	input := strings.TrimSpace(text)

	switch v := node.Validation.(type) {
	case flow.Nop:
		t.perform(node, node.OnSuccess, "")
	case flow.AnyText:
		t.decide(node, input != "", input)
	case flow.EqualText:
		t.decide(node, strings.EqualFold(input, v.Expected), input)
	case flow.TextInList:
		ok := false
		for _, e := range v.Entries {
			if strings.EqualFold(input, e) {
				ok = true
				break
			}
		}
		t.decide(node, ok, input)
	case flow.Email:
		t.decide(node, input != "" && emailPattern.MatchString(input), input)
	case flow.AnyNumber:
		_, err := strconv.ParseFloat(input, 64)
		t.decide(node, err == nil, input)
	case flow.EqualNumber:
		_, err := strconv.ParseFloat(input, 64)
		t.decide(node, err == nil && input == v.Expected, input)
	case flow.NumberInterval:
		n, err := strconv.ParseFloat(input, 64)
		t.decide(node, err == nil && n >= v.Min && n <= v.Max, input)
	case flow.AnyBoolean:
		yes, no, known := i18n.BooleanWords(t.s.Locale)
		t.decide(node, known && (strings.EqualFold(input, yes) || strings.EqualFold(input, no)), input)
	case flow.MatchingList:
		target, ok := v.Entries[flow.NormalizeInput(input)]
		switch {
		case !ok:
			t.perform(node, node.OnError, input)
		case target > 0:
			a := node.OnSuccess
			if !a.Kind.Moves() {
				a = flow.Action{Kind: flow.ActionNop, Message: a.Message}
			}
			a.MoveTo = target
			t.perform(node, a, input)
		default:
			t.applyCode(node, target)
		}
	case flow.MatchingValues:
		value, ok := v.Entries[flow.NormalizeInput(input)]
		t.decide(node, ok, value)
	case flow.Script:
		in.runScript(t, node, v, text)
	default:
		in.logger.Error("unhandled validation kind", "node_id", node.ID, "type", fmt.Sprintf("%T", v))
		t.endOffline()
	}
}

// decide runs the success or error action.
func (t *turn) decide(node *flow.Node, ok bool, value string) {
	if ok {
		t.perform(node, node.OnSuccess, value)
		return
	}
	t.perform(node, node.OnError, value)
}

func (in *Interpreter) runScript(t *turn, node *flow.Node, v flow.Script, text string) {
	g := t.s.Graph()
	res, err := in.scripts.Run(t.ctx, script.Request{
		Prelude:   g.ScriptPrelude,
		Code:      v.Code,
		Input:     text,
		Locale:    t.s.Locale,
		Variables: t.s.Vars(),
	})
	if err != nil {
		if script.IsCompile(err) {
			in.logger.Error("script compile failed", "user_id", t.s.UserID, "node_id", node.ID, "error", err)
		} else {
			in.logger.Warn("script run failed", "user_id", t.s.UserID, "node_id", node.ID, "error", err)
		}
		t.emit(t.s.Text(i18n.TryLater))
		t.s.End()
		return
	}

	t.s.Variables = res.Variables
	t.emit(res.Message)
	t.applyCode(node, res.Code)
}

var errDivideByZero = errors.New("division by zero")

// arithmetic applies op to current (0 when unset) and operand, falling back
// to input when operand is empty. Integral results have no fractional part.
func arithmetic(current, op, operand, input string) (string, error) {
	lhs := 0.0
	if c := strings.TrimSpace(current); c != "" {
		var err error
		if lhs, err = strconv.ParseFloat(c, 64); err != nil {
			return "", fmt.Errorf("variable value %q is not a number", current)
		}
	}

	raw := strings.TrimSpace(operand)
	if raw == "" {
		raw = strings.TrimSpace(input)
	}
	rhs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", fmt.Errorf("operand %q is not a number", raw)
	}

	var result float64
	switch op {
	case "+":
		result = lhs + rhs
	case "-":
		result = lhs - rhs
	case "*":
		result = lhs * rhs
	case "/":
		if rhs == 0 {
			return "", errDivideByZero
		}
		result = lhs / rhs
	default:
		return "", fmt.Errorf("unknown operator %q", op)
	}

	return formatNumber(result), nil
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
