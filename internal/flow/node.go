// ABOUTME: Node, validation and action types that make up a flow graph.
// ABOUTME: Validations are a closed set of variants; actions are a kind enum plus payload.

package flow

// Validation is the rule a node applies to user input. The set of
// implementations is closed: only types in this package satisfy it.
type Validation interface {
	validation()
}

// Nop nodes take no input; they are auto-advanced through their success action.
type Nop struct{}

// AnyText accepts any non-empty input.
type AnyText struct{}

// EqualText accepts input equal to Expected, ignoring case.
type EqualText struct {
	Expected string
}

// TextInList accepts input equal to any entry, ignoring case.
type TextInList struct {
	Entries []string
}

// Email accepts a syntactically valid email address.
type Email struct{}

// AnyNumber accepts anything that parses as a floating point number.
type AnyNumber struct{}

// EqualNumber accepts input that parses as a number and whose trimmed
// literal text equals Expected. "3.0" does not equal "3".
type EqualNumber struct {
	Expected string
}

// NumberInterval accepts numbers in [Min, Max].
type NumberInterval struct {
	Min float64
	Max float64
}

// AnyBoolean accepts the locale's words for yes and no.
type AnyBoolean struct{}

// MatchingList maps input text to a node id or a control code (0..-4).
// Keys are stored lowercased.
type MatchingList struct {
	Entries map[string]int
}

// MatchingValues maps input text to a substituted value. Keys are stored lowercased.
type MatchingValues struct {
	Entries map[string]string
}

// Script delegates validation to an embedded script.
type Script struct {
	Code string
}

func (Nop) validation()            {}
func (AnyText) validation()        {}
func (EqualText) validation()      {}
func (TextInList) validation()     {}
func (Email) validation()          {}
func (AnyNumber) validation()      {}
func (EqualNumber) validation()    {}
func (NumberInterval) validation() {}
func (AnyBoolean) validation()     {}
func (MatchingList) validation()   {}
func (MatchingValues) validation() {}
func (Script) validation()         {}

// ActionKind identifies what an Action does.
type ActionKind int

const (
	ActionNop ActionKind = iota
	ActionRepeat
	ActionRestart
	ActionEnd
	ActionSetVariable
	ActionSetLocale
	ActionSwitchToAI
	ActionSwitchToAgent
	ActionArithmetic
)

var actionNames = map[ActionKind]string{
	ActionNop:           "nop",
	ActionRepeat:        "repeat",
	ActionRestart:       "restart",
	ActionEnd:           "end",
	ActionSetVariable:   "set_variable",
	ActionSetLocale:     "set_locale",
	ActionSwitchToAI:    "switch_to_ai",
	ActionSwitchToAgent: "switch_to_agent",
	ActionArithmetic:    "arithmetic",
}

func (k ActionKind) String() string {
	if name, ok := actionNames[k]; ok {
		return name
	}
	return "unknown"
}

// Moves reports whether actions of this kind carry a MoveTo target.
func (k ActionKind) Moves() bool {
	switch k {
	case ActionNop, ActionSetVariable, ActionArithmetic, ActionSwitchToAI, ActionSwitchToAgent:
		return true
	}
	return false
}

// Action is run after validation succeeds or fails.
//
// MoveTo is the target node for Nop, SetVariable, Arithmetic and both switch
// actions. For the switch actions it is where the bot resumes if the
// conversation is handed back.
type Action struct {
	Kind     ActionKind
	MoveTo   int
	Variable string
	Op       string
	Operand  string
	Message  string
}

// Node is one step of the conversation graph.
type Node struct {
	ID         int
	Message    string
	Condition  string
	Validation Validation
	OnSuccess  Action
	OnError    Action
}

// IsNop reports whether the node takes no input.
func (n *Node) IsNop() bool {
	_, ok := n.Validation.(Nop)
	return ok
}
