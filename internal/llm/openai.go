// ABOUTME: OpenAI-compatible chat completions backend for the model pool.
// ABOUTME: Reads the reply at a fixed JSON path so any compatible server works.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oliveagle/jsonpath"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ReplyPath is where the reply text lives in a completion response.
const ReplyPath = "$.choices[0].message.content"

var replyPath = jsonpath.MustCompile(ReplyPath)

// OpenAIBackend talks to OpenAI-compatible endpoints, one SDK client per URL.
// Retries are disabled: a failed turn surfaces immediately to the user.
type OpenAIBackend struct {
	timeout     time.Duration
	temperature float64

	mu      sync.Mutex
	clients map[string]openai.Client
}

// NewOpenAIBackend creates a backend. A zero temperature leaves the server default.
func NewOpenAIBackend(timeout time.Duration, temperature float64) *OpenAIBackend {
	return &OpenAIBackend{
		timeout:     timeout,
		temperature: temperature,
		clients:     make(map[string]openai.Client),
	}
}

func (b *OpenAIBackend) client(url string) openai.Client {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[url]; ok {
		return c
	}
	base := url
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	opts := []option.RequestOption{
		option.WithBaseURL(base),
		option.WithMaxRetries(0),
	}
	if b.timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(b.timeout))
	}
	c := openai.NewClient(opts...)
	b.clients[url] = c
	return c
}

// Complete posts a chat completion and extracts the reply text.
func (b *OpenAIBackend) Complete(ctx context.Context, c *Client, req Request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: toParams(req.Messages),
	}
	if b.temperature > 0 {
		params.Temperature = openai.Float(b.temperature)
	}

	var opts []option.RequestOption
	if req.APIKey != "" {
		opts = append(opts, option.WithAPIKey(req.APIKey))
	}

	var raw []byte
	cli := b.client(c.URL)
	if err := cli.Post(ctx, "chat/completions", params, &raw, opts...); err != nil {
		return "", fmt.Errorf("posting to %s: %w", c.URL, err)
	}
	return ExtractReply(raw)
}

func toParams(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// ExtractReply returns the text at ReplyPath in a raw completion body.
func ExtractReply(raw []byte) (string, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("%w: decoding reply: %v", ErrNoContent, err)
	}
	v, err := replyPath.Lookup(doc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoContent, err)
	}
	text, ok := v.(string)
	if !ok || text == "" {
		return "", ErrNoContent
	}
	return text, nil
}
