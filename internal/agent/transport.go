// ABOUTME: Form-encoded HTTP delivery of chat turns to a human agent messenger relay.
// ABOUTME: Any transport error or non-200 status means the agent is unavailable.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrAgentUnavailable indicates the agent endpoint could not take the turn.
var ErrAgentUnavailable = errors.New("agent unavailable")

// Reply is what an agent endpoint answers with.
type Reply struct {
	Messages []string `json:"messages"`
	// Ended closes the conversation.
	Ended bool `json:"ended"`
	// Handback returns the conversation to the bot.
	Handback bool `json:"handback"`
}

// Transport delivers one form to an endpoint.
type Transport interface {
	Deliver(ctx context.Context, ep *Endpoint, form url.Values) (Reply, error)
}

// HTTPTransport posts forms with a fixed timeout.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport whose requests time out after timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

// maxReplySize caps how much of an agent reply is read.
const maxReplySize = 1 << 20

// Deliver posts form to the endpoint URL and decodes the JSON reply.
// An empty body is an empty reply.
func (t *HTTPTransport) Deliver(ctx context.Context, ep *Endpoint, form url.Values) (Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: building request: %v", ErrAgentUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: reading reply: %v", ErrAgentUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Reply{}, fmt.Errorf("%w: status %d", ErrAgentUnavailable, resp.StatusCode)
	}

	var reply Reply
	if len(strings.TrimSpace(string(body))) == 0 {
		return reply, nil
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return Reply{}, fmt.Errorf("%w: decoding reply: %v", ErrAgentUnavailable, err)
	}
	return reply, nil
}
