package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mtzanidakis/epoptis/internal/bus"
	"github.com/nats-io/nats.go"
)

// Remote is the production engine. It speaks NATS request/reply to an
// external analysis service listening on an engine.analyze.* subject, the
// same bus the agents communicate over.
type Remote struct {
	client  *bus.Client
	domain  string
	timeout time.Duration
}

type analyzeRequest struct {
	Instructions string `json:"instructions"`
	Content      string `json:"content"`
}

type analyzeReply struct {
	Result      string `json:"result"`
	Error       string `json:"error,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
	RateLimited bool   `json:"rate_limited,omitempty"`
}

func NewRemote(client *bus.Client, domain string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Remote{client: client, domain: domain, timeout: timeout}
}

func (r *Remote) Analyze(ctx context.Context, instructions, content string) (string, error) {
	data, err := json.Marshal(analyzeRequest{Instructions: instructions, Content: content})
	if err != nil {
		return "", &AdapterError{Op: "analyze", Err: err}
	}

	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		return "", &AdapterError{Op: "analyze", Err: context.DeadlineExceeded, Retryable: true}
	}

	msg, err := r.client.Request(bus.TopicEngineAnalyze(r.domain), data, timeout)
	if err != nil {
		// A missing or slow analysis service is transient from the
		// scheduler's point of view.
		retryable := errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders)
		return "", &AdapterError{Op: "analyze", Err: err, Retryable: retryable}
	}

	var reply analyzeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", &AdapterError{Op: "analyze", Err: err}
	}
	if reply.Error != "" {
		return "", &AdapterError{
			Op:          "analyze",
			Err:         errors.New(reply.Error),
			Retryable:   reply.Retryable || reply.RateLimited,
			RateLimited: reply.RateLimited,
		}
	}
	return reply.Result, nil
}
