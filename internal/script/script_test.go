// ABOUTME: Tests for the goja script engine.
// ABOUTME: Covers return codes, variable round trips, error kinds and timeouts.

package script

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(timeout time.Duration) *Engine {
	return NewEngine(timeout, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEngine_ReturnCode(t *testing.T) {
	e := newTestEngine(time.Second)

	res, err := e.Run(context.Background(), Request{
		Code:  "input === 'go' ? 4 : 0",
		Input: "go",
	})
	require.NoError(t, err)
	assert.True(t, res.Defined)
	assert.Equal(t, 4, res.Code)

	res, err = e.Run(context.Background(), Request{Code: "-3"})
	require.NoError(t, err)
	assert.Equal(t, CodeToAI, res.Code)
}

func TestEngine_UndefinedCompletion(t *testing.T) {
	e := newTestEngine(time.Second)

	res, err := e.Run(context.Background(), Request{Code: "var x = 1;"})
	require.NoError(t, err)
	assert.False(t, res.Defined)
	assert.Equal(t, 0, res.Code)
}

func TestEngine_VariablesAndMessage(t *testing.T) {
	e := newTestEngine(time.Second)

	res, err := e.Run(context.Background(), Request{
		Prelude:   "function double(n) { return n * 2; }",
		Code:      "vars.total = double(Number(vars.count)); vars.seen = true; message = 'total ' + vars.total; 5",
		Variables: map[string]string{"count": "21", "name": "Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Code)
	assert.Equal(t, "42", res.Variables["total"])
	assert.Equal(t, "true", res.Variables["seen"])
	assert.Equal(t, "Ada", res.Variables["name"])
	assert.Equal(t, "total 42", res.Message)
}

func TestEngine_CompileError(t *testing.T) {
	e := newTestEngine(time.Second)

	_, err := e.Run(context.Background(), Request{Code: "function ("})
	require.Error(t, err)
	assert.True(t, IsCompile(err))

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindCompile, se.Kind)
}

func TestEngine_RuntimeError(t *testing.T) {
	e := newTestEngine(time.Second)

	_, err := e.Run(context.Background(), Request{Code: "undefinedFunction()"})
	require.Error(t, err)
	assert.False(t, IsCompile(err))

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindRuntime, se.Kind)
}

func TestEngine_Timeout(t *testing.T) {
	e := newTestEngine(50 * time.Millisecond)

	start := time.Now()
	_, err := e.Run(context.Background(), Request{Code: "while (true) {}"})
	require.Error(t, err)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindTimeout, se.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEngine_InputVariablesNotShared(t *testing.T) {
	e := newTestEngine(time.Second)
	vars := map[string]string{"a": "1"}

	_, err := e.Run(context.Background(), Request{Code: "vars.a = 'changed'; 0", Variables: vars})
	require.NoError(t, err)
	assert.Equal(t, "1", vars["a"])
}
