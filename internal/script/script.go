// ABOUTME: Sandboxed JavaScript runner used by script validations and dispatcher hooks.
// ABOUTME: Each run gets a fresh goja runtime bound to a copy of the session variables.

package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/dop251/goja"
	"github.com/patrickmn/go-cache"
)

// Control codes a script may return.
const (
	CodeRepeat  = 0
	CodeEnd     = -1
	CodeRestart = -2
	CodeToAI    = -3
	CodeToAgent = -4
)

// Kind classifies a script failure.
type Kind int

const (
	KindCompile Kind = iota
	KindRuntime
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindCompile:
		return "compile"
	case KindRuntime:
		return "runtime"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

// Error is returned for every failed run.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("script %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCompile reports whether err is a script compile failure.
func IsCompile(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindCompile
}

// Request is the input of one script run.
type Request struct {
	// Prelude is prepended to Code, typically the flow's ai_model script.
	Prelude   string
	Code      string
	Input     string
	Locale    string
	Variables map[string]string
}

// Result is what the script left behind.
// Defined is false when the script's completion value was undefined or null.
type Result struct {
	Code      int
	Defined   bool
	Variables map[string]string
	Message   string
}

// Runner executes scripts.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Engine runs scripts on goja with a per-run timeout.
type Engine struct {
	timeout  time.Duration
	programs *cache.Cache
	logger   *slog.Logger
}

// NewEngine creates an Engine. Compiled programs are cached for reuse.
func NewEngine(timeout time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		timeout:  timeout,
		programs: cache.New(30*time.Minute, 10*time.Minute),
		logger:   logger.With("component", "script"),
	}
}

// Run executes req. Bindings visible to the script are input, locale,
// vars (a mutable object of strings) and message (a string the script may set).
// The completion value of the script is its return code.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	prog, err := e.compile(req.Prelude, req.Code)
	if err != nil {
		return Result{}, err
	}

	vm := goja.New()
	vars := vm.NewObject()
	for k, v := range req.Variables {
		if err := vars.Set(k, v); err != nil {
			return Result{}, &Error{Kind: KindRuntime, Err: err}
		}
	}
	_ = vm.Set("vars", vars)
	_ = vm.Set("input", req.Input)
	_ = vm.Set("locale", req.Locale)
	_ = vm.Set("message", "")

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	stop := context.AfterFunc(runCtx, func() {
		vm.Interrupt(runCtx.Err())
	})
	defer stop()

	val, err := vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return Result{}, &Error{Kind: KindTimeout, Err: err}
		}
		return Result{}, &Error{Kind: KindRuntime, Err: err}
	}

	res := Result{
		Variables: exportVars(vm.Get("vars")),
		Message:   exportString(vm.Get("message")),
	}
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		res.Defined = true
		res.Code = int(val.ToInteger())
	}
	return res, nil
}

func (e *Engine) compile(prelude, code string) (*goja.Program, error) {
	src := code
	if prelude != "" {
		src = prelude + "\n" + code
	}
	if p, ok := e.programs.Get(src); ok {
		return p.(*goja.Program), nil
	}

	prog, err := goja.Compile("flow.js", src, false)
	if err != nil {
		return nil, &Error{Kind: KindCompile, Err: err}
	}
	e.programs.SetDefault(src, prog)
	return prog, nil
}

func exportVars(v goja.Value) map[string]string {
	out := make(map[string]string)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return out
	}
	m, ok := v.Export().(map[string]interface{})
	if !ok {
		return out
	}
	for k, val := range m {
		out[k] = stringify(val)
	}
	return out
}

func exportString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
