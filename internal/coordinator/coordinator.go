// Package coordinator assembles the analysis hierarchy for each run:
// one supervisor, a manager per configured team, and that team's worker
// pool, all talking over the embedded NATS bus. It owns run persistence
// and the bus audit trail.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/epoptis/internal/bus"
	"github.com/mtzanidakis/epoptis/internal/config"
	"github.com/mtzanidakis/epoptis/internal/engine"
	"github.com/mtzanidakis/epoptis/internal/manager"
	"github.com/mtzanidakis/epoptis/internal/registry"
	"github.com/mtzanidakis/epoptis/internal/router"
	"github.com/mtzanidakis/epoptis/internal/store"
	"github.com/mtzanidakis/epoptis/internal/supervisor"
	"github.com/mtzanidakis/epoptis/internal/task"
	"github.com/mtzanidakis/epoptis/internal/worker"
	"github.com/nats-io/nats.go"
)

// EngineFactory builds the analysis engine an agent calls for a domain.
// The default wires the NATS request/reply engine behind a retrier.
type EngineFactory func(client *bus.Client, domain string) engine.Engine

type Coordinator struct {
	cfg     *config.Config
	bus     *bus.Bus
	store   *store.Store
	memory  store.Memory
	client  *bus.Client
	engines EngineFactory

	auditSub *nats.Subscription
}

func New(cfg *config.Config, b *bus.Bus, s *store.Store, memory store.Memory) (*Coordinator, error) {
	client, err := bus.NewClient(b)
	if err != nil {
		return nil, fmt.Errorf("coordinator nats client: %w", err)
	}

	c := &Coordinator{
		cfg:    cfg,
		bus:    b,
		store:  s,
		memory: memory,
		client: client,
	}
	c.engines = c.defaultEngines

	// Audit every agent envelope crossing the bus.
	c.auditSub, err = client.Subscribe(bus.TopicAgentInboxes, func(msg *nats.Msg) {
		var m bus.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			return
		}
		if err := s.AuditMessage(m); err != nil {
			slog.Warn("message audit failed", "error", err)
		}
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("audit subscription: %w", err)
	}

	return c, nil
}

// SetEngineFactory overrides engine construction. Must be called before
// any run is launched.
func (c *Coordinator) SetEngineFactory(f EngineFactory) {
	c.engines = f
}

func (c *Coordinator) Close() {
	if c.auditSub != nil {
		_ = c.auditSub.Unsubscribe()
	}
	c.client.Close()
}

func (c *Coordinator) defaultEngines(client *bus.Client, domain string) engine.Engine {
	retry := engine.DefaultRetryConfig()
	if c.cfg.Engine.MaxAttempts > 0 {
		retry.MaxAttempts = c.cfg.Engine.MaxAttempts
	}
	return engine.NewRetrier(engine.NewRemote(client, domain, c.cfg.Engine.Timeout), retry)
}

// LaunchRun stores the transcript and starts an analysis run in the
// background. The returned run id can be polled over the API; progress
// streams on the run's event topic.
func (c *Coordinator) LaunchRun(ctx context.Context, transcript string) (string, error) {
	runID := uuid.New().String()
	key := "transcripts/" + runID
	if err := c.memory.Write("runs", key, []byte(transcript)); err != nil {
		return "", fmt.Errorf("store transcript: %w", err)
	}
	if err := c.store.SaveRun(&store.Run{ID: runID, TranscriptKey: key, Status: store.RunRunning}); err != nil {
		return "", err
	}

	// Background context so the run outlives the HTTP request.
	go c.execute(context.Background(), runID, key)
	return runID, nil
}

// LaunchStored starts a run for a transcript already held in memory,
// typically on behalf of the scheduler.
func (c *Coordinator) LaunchStored(ctx context.Context, transcriptKey string) (string, error) {
	if _, ok := c.memory.Read("runs", transcriptKey); !ok {
		return "", fmt.Errorf("no transcript stored under %s", transcriptKey)
	}
	runID := uuid.New().String()
	if err := c.store.SaveRun(&store.Run{ID: runID, TranscriptKey: transcriptKey, Status: store.RunRunning}); err != nil {
		return "", err
	}

	go c.execute(context.Background(), runID, transcriptKey)
	return runID, nil
}

// Analyze runs one transcript to completion and returns the synthesized
// result. LaunchRun wraps this for the asynchronous surfaces.
func (c *Coordinator) Analyze(ctx context.Context, transcript string) (*supervisor.Result, error) {
	runID := uuid.New().String()
	key := "transcripts/" + runID
	if err := c.memory.Write("runs", key, []byte(transcript)); err != nil {
		return nil, fmt.Errorf("store transcript: %w", err)
	}
	if err := c.store.SaveRun(&store.Run{ID: runID, TranscriptKey: key, Status: store.RunRunning}); err != nil {
		return nil, err
	}
	res, err := c.run(ctx, runID, transcript)
	if err != nil {
		_ = c.store.UpdateRun(runID, store.RunFailed, nil, "")
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) execute(ctx context.Context, runID, transcriptKey string) {
	transcript, ok := c.memory.Read("runs", transcriptKey)
	if !ok {
		slog.Error("transcript vanished from memory", "run", runID, "key", transcriptKey)
		_ = c.store.UpdateRun(runID, store.RunFailed, nil, "")
		return
	}
	if _, err := c.run(ctx, runID, string(transcript)); err != nil {
		slog.Error("run failed", "run", runID, "error", err)
		_ = c.store.UpdateRun(runID, store.RunFailed, nil, "")
	}
}

// run builds the hierarchy, drives the routing loop to completion, and
// persists the outcome.
func (c *Coordinator) run(ctx context.Context, runID, transcript string) (*supervisor.Result, error) {
	tasks := task.NewRegistry()
	agents := registry.New()

	var clients []*bus.Client
	newClient := func() (*bus.Client, error) {
		cl, err := bus.NewClient(c.bus)
		if err != nil {
			return nil, err
		}
		clients = append(clients, cl)
		return cl, nil
	}
	defer func() {
		for _, cl := range clients {
			cl.Close()
		}
	}()

	// Agent ids carry a run suffix so concurrent runs do not share
	// inbox subjects.
	suffix := runID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	supID := c.cfg.Supervisor.ID
	if supID == "" {
		supID = "supervisor"
	}
	supID = supID + "-" + suffix
	supClient, err := newClient()
	if err != nil {
		return nil, fmt.Errorf("supervisor client: %w", err)
	}
	sup, err := supervisor.New(supervisor.Config{
		ID:     supID,
		Tasks:  tasks,
		Agents: agents,
		Client: supClient,
		Engine: c.engines(supClient, "synthesis"),
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	rtr := router.New(supID, 0)
	rtr.Register(sup)

	for _, team := range c.cfg.Teams {
		if len(team.Expertise) == 0 {
			slog.Warn("team has no expertise, skipping", "team", team.Name)
			continue
		}
		mgrClient, err := newClient()
		if err != nil {
			return nil, fmt.Errorf("team %s client: %w", team.Name, err)
		}
		mgrID := fmt.Sprintf("mgr-%s-%s", team.Name, suffix)
		eng := c.engines(mgrClient, team.Expertise[0])
		m, err := manager.New(manager.Config{
			ID:           mgrID,
			Expertise:    team.Expertise,
			SupervisorID: supID,
			Tasks:        tasks,
			Agents:       agents,
			Client:       mgrClient,
			Engine:       eng,
		})
		if err != nil {
			return nil, fmt.Errorf("team %s: %w", team.Name, err)
		}
		rtr.Register(m)
		rtr.Alias(team.Name, mgrID)

		capacity := team.Capacity
		if capacity <= 0 {
			capacity = 1
		}
		for i := 0; i < team.Workers; i++ {
			wClient, err := newClient()
			if err != nil {
				return nil, fmt.Errorf("team %s worker client: %w", team.Name, err)
			}
			wID := fmt.Sprintf("%s-w%d", mgrID, i)
			w := worker.New(wID, mgrID, team.Expertise, c.engines(wClient, team.Expertise[0]), wClient)
			if err := m.AddWorker(w, team.Expertise, capacity); err != nil {
				return nil, fmt.Errorf("team %s worker: %w", team.Name, err)
			}
		}
	}

	boot, err := bus.NewMessage(bus.KindRequest, "coordinator", []string{supID},
		bus.PurposeBootstrap, bus.Bootstrap{RunID: runID, Transcript: transcript})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	if err := c.client.Send(boot); err != nil {
		return nil, fmt.Errorf("bootstrap send: %w", err)
	}

	slog.Info("run started", "run", runID, "teams", len(c.cfg.Teams))
	routeErr := rtr.Run(ctx)

	c.persistHistory(runID, tasks)

	res := sup.FinalResult()
	switch {
	case routeErr != nil:
		_ = c.store.UpdateRun(runID, store.RunFailed, nil, "")
		return nil, fmt.Errorf("run %s: %w", runID, routeErr)
	case res == nil:
		_ = c.store.UpdateRun(runID, store.RunFailed, nil, "")
		return nil, fmt.Errorf("run %s produced no result", runID)
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	if err := c.store.UpdateRun(runID, store.RunCompleted, payload, string(res.Confidence)); err != nil {
		return nil, err
	}
	slog.Info("run completed", "run", runID, "confidence", res.Confidence, "contributors", len(res.Contributors))
	return res, nil
}

// persistHistory records the terminal state of every task in the run.
func (c *Coordinator) persistHistory(runID string, tasks *task.Registry) {
	for _, t := range tasks.Snapshot() {
		if t.RunID != runID {
			continue
		}
		if err := c.store.AppendTaskHistory(t); err != nil {
			slog.Warn("task history append failed", "task", t.ID, "error", err)
		}
	}
}

// RunStatus reports the stored state of a run.
func (c *Coordinator) RunStatus(runID string) (*store.Run, error) {
	run, err := c.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errors.New("run not found")
	}
	return run, nil
}

// WaitForRun polls until the run leaves the running state or the
// context expires. Used by the CLI's synchronous analyze command.
func (c *Coordinator) WaitForRun(ctx context.Context, runID string) (*store.Run, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		run, err := c.RunStatus(runID)
		if err != nil {
			return nil, err
		}
		if run.Status != store.RunRunning {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
