package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Inbox is a per-agent FIFO queue fed by the agent's inbox and broadcast
// subscriptions. Each agent drains its inbox from a single dispatch loop, so
// delivery order is explicit and no handler list is shared.
type Inbox struct {
	agentID string
	client  *Client

	mu      sync.Mutex
	pending []Message
	waiters map[string]chan struct{}

	subs []*nats.Subscription
}

func NewInbox(client *Client, agentID string) (*Inbox, error) {
	in := &Inbox{
		agentID: agentID,
		client:  client,
		waiters: make(map[string]chan struct{}),
	}

	for _, topic := range []string{TopicAgentInbox(agentID), TopicBroadcast} {
		sub, err := client.Subscribe(topic, in.receive)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		in.subs = append(in.subs, sub)
	}
	return in, nil
}

func (in *Inbox) receive(msg *nats.Msg) {
	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		slog.Warn("inbox dropped malformed message", "agent", in.agentID, "error", err)
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if m.Purpose == purposeSync {
		if ch, ok := in.waiters[m.CorrelationID]; ok {
			close(ch)
			delete(in.waiters, m.CorrelationID)
		}
		return
	}
	in.pending = append(in.pending, m)
}

// Drain returns every message delivered so far. It first publishes a sync
// marker to its own inbox and waits for it: since senders flush on Send and
// the server delivers in arrival order, seeing the marker guarantees all
// messages sent before the drain have been queued.
func (in *Inbox) Drain(ctx context.Context) ([]Message, error) {
	token := uuid.New().String()
	ch := make(chan struct{})

	in.mu.Lock()
	in.waiters[token] = ch
	in.mu.Unlock()

	marker := Message{
		ID:            token,
		Kind:          KindNotification,
		Sender:        in.agentID,
		Recipients:    []string{in.agentID},
		Purpose:       purposeSync,
		CorrelationID: token,
		Timestamp:     time.Now().UTC(),
	}
	if err := in.client.Send(marker); err != nil {
		in.mu.Lock()
		delete(in.waiters, token)
		in.mu.Unlock()
		return nil, fmt.Errorf("publish sync marker: %w", err)
	}

	select {
	case <-ch:
	case <-ctx.Done():
		in.mu.Lock()
		delete(in.waiters, token)
		in.mu.Unlock()
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		slog.Warn("inbox sync marker timed out", "agent", in.agentID)
		in.mu.Lock()
		delete(in.waiters, token)
		in.mu.Unlock()
	}

	in.mu.Lock()
	msgs := in.pending
	in.pending = nil
	in.mu.Unlock()
	return msgs, nil
}

func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pending)
}

func (in *Inbox) Close() {
	for _, sub := range in.subs {
		_ = sub.Unsubscribe()
	}
}
