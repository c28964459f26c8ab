// Package dispatcher routes inbox activity to agent runtimes. One turn runs
// per agent at a time; wakeups arriving mid-turn coalesce into a single
// follow-up turn.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/openclaw/openclaw/internal/common/config"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/events"
	"github.com/openclaw/openclaw/internal/events/bus"
	"github.com/openclaw/openclaw/internal/models"
	"github.com/openclaw/openclaw/internal/store"
)

// inboxBatchLimit bounds how many messages one turn sees.
const inboxBatchLimit = 50

// ErrSkipTurn tells the dispatcher this agent's inbox is consumed elsewhere.
// The messages stay unprocessed and no failure is recorded.
var ErrSkipTurn = errors.New("turn skipped")

// Runner executes one agent turn over a batch of unprocessed messages.
// Returning an error leaves the batch unprocessed for a later retry.
type Runner interface {
	RunTurn(ctx context.Context, agent *models.Agent, messages []models.Message) error
}

// Dispatcher wakes agents when their inbox changes. Wakeups come from the
// event bus; a fallback poll catches anything the bus dropped.
type Dispatcher struct {
	store    *store.Store
	eventBus bus.EventBus
	logger   *logger.Logger
	runner   Runner
	cfg      config.DispatcherConfig

	sem *semaphore.Weighted

	mu      sync.Mutex
	active  map[string]bool
	pending map[string]bool

	turnCtx    context.Context
	turnCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a dispatcher.
func New(st *store.Store, eventBus bus.EventBus, log *logger.Logger, runner Runner, cfg config.DispatcherConfig) *Dispatcher {
	max := cfg.MaxConcurrentTurns
	if max <= 0 {
		max = 1
	}
	turnCtx, turnCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:      st,
		eventBus:   eventBus,
		logger:     log,
		runner:     runner,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(max)),
		active:     make(map[string]bool),
		pending:    make(map[string]bool),
		turnCtx:    turnCtx,
		turnCancel: turnCancel,
	}
}

// Run subscribes to wakeup channels and polls for missed work until the
// context is cancelled, then waits out the shutdown grace for in-flight
// turns.
func (d *Dispatcher) Run(ctx context.Context) error {
	subjects := []string{
		events.ChannelNewMessage,
		events.ChannelHumanRequestResolved,
		events.ChannelTaskStatusChanged,
	}
	var subs []bus.Subscription
	for _, subject := range subjects {
		sub, err := d.eventBus.Subscribe(subject, d.onWakeup)
		if err != nil {
			d.logger.Error("failed to subscribe", zap.String("subject", subject), zap.Error(err))
			continue
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	interval := d.cfg.FallbackPollInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// onWakeup pulls the target agent out of a notification payload. Message
// notifications carry recipient_id, resolved human requests carry agent_id.
// Task status change payloads carry only task and team ids and wake no one.
func (d *Dispatcher) onWakeup(ctx context.Context, ev *bus.Event) error {
	if id, ok := ev.Data["recipient_id"].(string); ok && id != "" {
		if typ, ok := ev.Data["recipient_type"].(string); !ok || typ == string(models.ActorAgent) {
			d.Notify(id)
		}
		return nil
	}
	if id, ok := ev.Data["agent_id"].(string); ok && id != "" {
		d.Notify(id)
	}
	return nil
}

// poll scans for agents with unprocessed messages that never got a wakeup,
// and resets agents a crashed run left in working.
func (d *Dispatcher) poll(ctx context.Context) {
	agentIDs, err := d.store.RecipientsWithUnprocessed(ctx)
	if err != nil {
		d.logger.Error("fallback poll failed", zap.Error(err))
		return
	}
	for _, id := range agentIDs {
		d.Notify(id)
	}
	d.resetStuckAgents(ctx)
}

// resetStuckAgents moves agents back to idle when they are marked working
// with no open session and have not been touched for a full turn timeout.
func (d *Dispatcher) resetStuckAgents(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.cfg.TurnTimeout())
	var reset []string
	err := d.store.InTx(ctx, func(tx *store.Tx) error {
		ids, err := tx.StuckAgentIDs(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := tx.UpdateAgentStatus(ctx, id, models.AgentIdle); err != nil {
				return err
			}
			if _, err := tx.AppendEvent(ctx, events.AgentStream(id), events.AgentStatusChanged,
				map[string]any{"status": string(models.AgentIdle), "reason": "stuck"},
				events.Metadata{}); err != nil {
				return err
			}
		}
		reset = ids
		return nil
	})
	if err != nil {
		d.logger.Error("stuck agent sweep failed", zap.Error(err))
		return
	}
	if len(reset) > 0 {
		d.logger.Warn("reset stuck agents", zap.Strings("agent_ids", reset))
	}
}

// Notify wakes an agent. If a turn is already running the wakeup is folded
// into the running turn's follow-up check.
func (d *Dispatcher) Notify(agentID string) {
	d.mu.Lock()
	if d.turnCtx.Err() != nil {
		d.mu.Unlock()
		return
	}
	if d.active[agentID] {
		d.pending[agentID] = true
		d.mu.Unlock()
		return
	}
	d.active[agentID] = true
	d.wg.Add(1)
	d.mu.Unlock()

	go d.runAgent(agentID)
}

// runAgent drives turns for one agent until its inbox is empty and no
// wakeup arrived mid-turn.
func (d *Dispatcher) runAgent(agentID string) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		d.active[agentID] = false
		rearm := d.pending[agentID] && d.turnCtx.Err() == nil
		d.pending[agentID] = false
		d.mu.Unlock()
		// A wakeup slipped in between the loop's last check and here.
		if rearm {
			d.Notify(agentID)
		}
	}()

	if err := d.sem.Acquire(d.turnCtx, 1); err != nil {
		return
	}
	defer d.sem.Release(1)

	for {
		d.mu.Lock()
		d.pending[agentID] = false
		d.mu.Unlock()

		ran, err := d.runTurn(agentID)
		if err != nil {
			d.logger.Error("agent turn failed",
				zap.String("agent_id", agentID),
				zap.Error(err))
			d.endFailedSession(agentID, err)
			return
		}
		if ran {
			continue
		}

		d.mu.Lock()
		again := d.pending[agentID]
		d.pending[agentID] = false
		d.mu.Unlock()
		if !again || d.turnCtx.Err() != nil {
			return
		}
	}
}

// endFailedSession closes the agent's open session with the turn error and
// marks the agent errored. The failed batch stays unprocessed.
func (d *Dispatcher) endFailedSession(agentID string, turnErr error) {
	ctx := context.Background()
	sess, err := d.store.OpenSession(ctx, agentID)
	if err != nil {
		d.logger.Error("failed to look up open session", zap.Error(err))
		return
	}
	if sess == nil {
		return
	}

	msg := turnErr.Error()
	now := time.Now().UTC()
	err = d.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.EndSession(ctx, sess.ID, &msg, now); err != nil {
			return err
		}
		if err := tx.UpdateAgentStatus(ctx, agentID, models.AgentError); err != nil {
			return err
		}
		_, err := tx.AppendEvent(ctx, events.SessionStream(sess.ID), events.SessionEnded,
			map[string]any{"agent_id": agentID, "error": msg},
			events.Metadata{ActorID: agentID})
		return err
	})
	if err != nil {
		d.logger.Error("failed to end session after turn failure",
			zap.Int64("session_id", sess.ID), zap.Error(err))
	}
}

// runTurn executes one turn. It reports whether there was anything to do;
// an empty inbox ends the loop.
func (d *Dispatcher) runTurn(agentID string) (bool, error) {
	ctx := d.turnCtx
	messages, err := d.store.Inbox(ctx, agentID, true, inboxBatchLimit)
	if err != nil {
		return false, err
	}
	if len(messages) == 0 {
		return false, nil
	}

	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}

	turnCtx := ctx
	if timeout := d.cfg.TurnTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := d.runner.RunTurn(turnCtx, agent, messages); err != nil {
		if errors.Is(err, ErrSkipTurn) {
			// Someone else consumes this inbox; leave it untouched.
			return false, nil
		}
		// Messages stay unprocessed; the fallback poll retries them.
		return false, err
	}

	now := time.Now().UTC()
	err = d.store.InTx(ctx, func(tx *store.Tx) error {
		for _, msg := range messages {
			if err := tx.MarkProcessed(ctx, msg.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// shutdown waits out the grace period for in-flight turns, then cancels
// whatever is left.
func (d *Dispatcher) shutdown() error {
	grace := d.cfg.ShutdownGrace()
	if grace <= 0 {
		grace = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		d.logger.Warn("shutdown grace expired, cancelling in-flight turns")
	}
	d.turnCancel()
	<-done
	return nil
}
