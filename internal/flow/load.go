// ABOUTME: Flow definition loader for YAML, JSON and TOML documents.
// ABOUTME: Decodes string tags once into closed validation and action variants.

package flow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrInvalidFlow wraps every structural problem found while loading.
var ErrInvalidFlow = errors.New("invalid flow")

type document struct {
	Info    infoDoc           `yaml:"info" toml:"info"`
	AIModel aiModelDoc        `yaml:"ai_model" toml:"ai_model"`
	Params  map[string]string `yaml:"params" toml:"params"`
	Nodes   []nodeDoc         `yaml:"nodes" toml:"nodes"`
}

type infoDoc struct {
	Locale   string `yaml:"locale" toml:"locale"`
	Entry    int    `yaml:"entry" toml:"entry"`
	Markdown bool   `yaml:"markdown" toml:"markdown"`
}

type aiModelDoc struct {
	BotName    string   `yaml:"bot_name" toml:"bot_name"`
	Guidelines string   `yaml:"guidelines" toml:"guidelines"`
	Script     string   `yaml:"script" toml:"script"`
	Hooks      hooksDoc `yaml:"hooks" toml:"hooks"`
}

type hooksDoc struct {
	OnUserMessage string `yaml:"on_user_message" toml:"on_user_message"`
	OnAIMessage   string `yaml:"on_ai_message" toml:"on_ai_message"`
}

type nodeDoc struct {
	ID         int               `yaml:"id" toml:"id"`
	Message    string            `yaml:"message" toml:"message"`
	Validation string            `yaml:"validation" toml:"validation"`
	Condition  string            `yaml:"condition" toml:"condition"`
	Values     map[string]string `yaml:"values" toml:"values"`
	Success    actionDoc         `yaml:"success" toml:"success"`
	Error      actionDoc         `yaml:"error" toml:"error"`
}

type actionDoc struct {
	Action   string `yaml:"action" toml:"action"`
	MoveTo   int    `yaml:"move_to" toml:"move_to"`
	Variable string `yaml:"variable" toml:"variable"`
	Op       string `yaml:"op" toml:"op"`
	Operand  string `yaml:"operand" toml:"operand"`
	Message  string `yaml:"message" toml:"message"`
}

// Load reads a flow definition. The format is chosen by extension:
// .toml is TOML, anything else is YAML (which also accepts JSON).
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading flow file: %w", err)
	}

	var doc document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("parsing flow file %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing flow file %s: %w", path, err)
		}
	}

	g, err := build(&doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	g.Path = path
	return g, nil
}

// Parse decodes a YAML or JSON flow document held in memory.
func Parse(data []byte) (*Graph, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing flow: %w", err)
	}
	return build(&doc)
}

func build(doc *document) (*Graph, error) {
	if doc.Info.Locale == "" {
		return nil, fmt.Errorf("%w: info.locale is required", ErrInvalidFlow)
	}
	if len(doc.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidFlow)
	}

	g := &Graph{
		Locale:        doc.Info.Locale,
		Entry:         doc.Info.Entry,
		Markdown:      doc.Info.Markdown,
		BotName:       doc.AIModel.BotName,
		Guidelines:    doc.AIModel.Guidelines,
		ScriptPrelude: doc.AIModel.Script,
		Hooks: Hooks{
			OnUserMessage: doc.AIModel.Hooks.OnUserMessage,
			OnAIMessage:   doc.AIModel.Hooks.OnAIMessage,
		},
		Params: make(map[string]string, len(doc.Params)),
		nodes:  make(map[int]*Node, len(doc.Nodes)),
	}
	for k, v := range doc.Params {
		g.Params[strings.ToLower(k)] = v
	}

	for i, nd := range doc.Nodes {
		if nd.ID <= 0 {
			return nil, fmt.Errorf("%w: node #%d has non-positive id %d", ErrInvalidFlow, i, nd.ID)
		}
		if _, dup := g.nodes[nd.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %d", ErrInvalidFlow, nd.ID)
		}

		v, err := parseValidation(nd)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %v", ErrInvalidFlow, nd.ID, err)
		}
		onSuccess, err := parseAction(nd.Success)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d success: %v", ErrInvalidFlow, nd.ID, err)
		}
		onError, err := parseAction(nd.Error)
		if err != nil {
			return nil, fmt.Errorf("%w: node %d error: %v", ErrInvalidFlow, nd.ID, err)
		}

		g.nodes[nd.ID] = &Node{
			ID:         nd.ID,
			Message:    nd.Message,
			Condition:  nd.Condition,
			Validation: v,
			OnSuccess:  onSuccess,
			OnError:    onError,
		}
	}

	if g.Entry == 0 {
		g.Entry = doc.Nodes[0].ID
	}
	if _, ok := g.nodes[g.Entry]; !ok {
		return nil, fmt.Errorf("%w: entry node %d does not exist", ErrInvalidFlow, g.Entry)
	}

	return g, nil
}

var (
	intervalPattern  = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)\s*\.\.\.\s*(-?\d+(?:\.\d+)?)\s*$`)
	listPairPattern  = regexp.MustCompile(`\[\s*'([^']*)'\s*,\s*(-?\d+)\s*\]`)
	valuePairPattern = regexp.MustCompile(`\[\s*'([^']*)'\s*,\s*'([^']*)'\s*\]`)
)

func parseValidation(nd nodeDoc) (Validation, error) {
	cond := nd.Condition

	switch strings.ToLower(strings.TrimSpace(nd.Validation)) {
	case "", "nop":
		return Nop{}, nil
	case "text:any":
		return AnyText{}, nil
	case "text:equal":
		return EqualText{Expected: strings.TrimSpace(cond)}, nil
	case "text:list":
		var entries []string
		for _, e := range strings.Split(cond, ";") {
			if e = strings.TrimSpace(e); e != "" {
				entries = append(entries, e)
			}
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("text:list needs at least one entry")
		}
		return TextInList{Entries: entries}, nil
	case "text:email":
		return Email{}, nil
	case "number:any":
		return AnyNumber{}, nil
	case "number:equal":
		expected := strings.TrimSpace(cond)
		if _, err := strconv.ParseFloat(expected, 64); err != nil {
			return nil, fmt.Errorf("number:equal condition %q is not a number", cond)
		}
		return EqualNumber{Expected: expected}, nil
	case "number:interval":
		m := intervalPattern.FindStringSubmatch(cond)
		if m == nil {
			return nil, fmt.Errorf("number:interval condition %q must look like min...max", cond)
		}
		lo, _ := strconv.ParseFloat(m[1], 64)
		hi, _ := strconv.ParseFloat(m[2], 64)
		if lo > hi {
			return nil, fmt.Errorf("number:interval min %v greater than max %v", lo, hi)
		}
		return NumberInterval{Min: lo, Max: hi}, nil
	case "boolean:any":
		return AnyBoolean{}, nil
	case "list:matching":
		entries := make(map[string]int)
		for _, m := range listPairPattern.FindAllStringSubmatch(cond, -1) {
			id, _ := strconv.Atoi(m[2])
			entries[normalizeKey(m[1])] = id
		}
		for k, v := range nd.Values {
			id, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("list:matching value %q for %q is not an integer", v, k)
			}
			entries[normalizeKey(k)] = id
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("list:matching needs at least one entry")
		}
		for k, id := range entries {
			if id < -4 {
				return nil, fmt.Errorf("list:matching %q has invalid target %d", k, id)
			}
		}
		return MatchingList{Entries: entries}, nil
	case "values:matching":
		entries := make(map[string]string)
		for _, m := range valuePairPattern.FindAllStringSubmatch(cond, -1) {
			entries[normalizeKey(m[1])] = m[2]
		}
		for k, v := range nd.Values {
			entries[normalizeKey(k)] = v
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("values:matching needs at least one entry")
		}
		return MatchingValues{Entries: entries}, nil
	case "script":
		if strings.TrimSpace(cond) == "" {
			return nil, fmt.Errorf("script validation has no code")
		}
		return Script{Code: cond}, nil
	default:
		return nil, fmt.Errorf("unknown validation %q", nd.Validation)
	}
}

func parseAction(ad actionDoc) (Action, error) {
	a := Action{
		MoveTo:   ad.MoveTo,
		Variable: strings.TrimSpace(ad.Variable),
		Op:       strings.TrimSpace(ad.Op),
		Operand:  ad.Operand,
		Message:  ad.Message,
	}

	switch strings.ToLower(strings.TrimSpace(ad.Action)) {
	case "", "nop", "move":
		a.Kind = ActionNop
	case "repeat":
		a.Kind = ActionRepeat
	case "restart":
		a.Kind = ActionRestart
	case "end":
		a.Kind = ActionEnd
	case "set_variable":
		a.Kind = ActionSetVariable
		if a.Variable == "" {
			return a, fmt.Errorf("set_variable needs a variable name")
		}
	case "set_locale":
		a.Kind = ActionSetLocale
	case "switch_to_ai":
		a.Kind = ActionSwitchToAI
	case "switch_to_agent":
		a.Kind = ActionSwitchToAgent
	case "arithmetic":
		a.Kind = ActionArithmetic
		if a.Variable == "" {
			return a, fmt.Errorf("arithmetic needs a variable name")
		}
		switch a.Op {
		case "+", "-", "*", "/":
		default:
			return a, fmt.Errorf("arithmetic op %q must be one of + - * /", a.Op)
		}
	default:
		return a, fmt.Errorf("unknown action %q", ad.Action)
	}
	return a, nil
}

// normalizeKey is how list keys and user input are compared.
func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeInput applies the same normalization used for list keys.
func NormalizeInput(s string) string {
	return normalizeKey(s)
}
