// Orchestrator - recursive consult/spawn/await loop.
//
// Information Hiding:
// - Phase transitions and checkpoint placement hidden
// - Fan-out key scheme hidden (keys are stable across replays)
// - Fail-fast fan-in hidden behind a single error return

package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// exhaustedAnswer is returned when the oracle asks to decompose at depth 0
// without also providing any text.
const exhaustedAnswer = "(no answer: the decomposition budget was exhausted before the topic was answered)"

// Config holds orchestrator configuration.
// The zero value is usable: no timeouts and no extra instructions.
type Config struct {
	// ConsultTimeout bounds each oracle consultation (0 = none).
	ConsultTimeout time.Duration
	// ChildTimeout bounds each fan-in, from the first await to the last (0 = none).
	ChildTimeout time.Duration
	// Instructions are appended to the system prompt of every invocation.
	Instructions string
}

// Orchestrator runs invocations. One Orchestrator serves the root and every
// descendant; it holds no per-invocation state and is safe for concurrent use.
type Orchestrator struct {
	oracle      Oracle
	childOracle Oracle
	config      Config
	metrics     *Metrics
	log         *logrus.Entry
}

// New creates an orchestrator consulting oracle.
func New(oracle Oracle, config Config) *Orchestrator {
	return &Orchestrator{
		oracle:  oracle,
		config:  config,
		metrics: &Metrics{},
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
}

// WithChildOracle sets the oracle consulted by non-root invocations.
func (o *Orchestrator) WithChildOracle(oracle Oracle) *Orchestrator {
	o.childOracle = oracle
	return o
}

// WithLogger sets the logger.
func (o *Orchestrator) WithLogger(log *logrus.Logger) *Orchestrator {
	o.log = logrus.NewEntry(log)
	return o
}

// Metrics returns the statistics collected so far.
func (o *Orchestrator) Metrics() *Metrics {
	return o.metrics
}

// Execute runs one invocation to completion. It is the function a substrate
// calls for the root task and for every spawned child. A checkpoint found
// through rt is resumed instead of starting over.
func (o *Orchestrator) Execute(ctx context.Context, rt Runtime, task Task) (string, error) {
	if err := task.Validate(); err != nil {
		o.metrics.Failures.Add(1)
		return "", err
	}

	if task.Level == 0 {
		start := time.Now()
		defer func() { o.metrics.TotalDuration.Add(int64(time.Since(start))) }()
	}
	o.metrics.observeLevel(task.Level)

	state, err := rt.Restore(ctx)
	if err != nil {
		o.metrics.Failures.Add(1)
		return "", newError(ErrSubstrate, task, fmt.Errorf("restore: %w", err))
	}
	if state == nil {
		state = NewState(task, SystemPrompt(task.Depth, o.config.Instructions))
	} else {
		o.logger(state).Debug("Resuming invocation")
	}

	result, err := o.Drive(ctx, rt, state)
	if err != nil {
		o.metrics.Failures.Add(1)
		o.logger(state).WithError(err).Debug("Invocation failed")
		return "", err
	}
	return result, nil
}

// Drive advances state until it is done or fails.
func (o *Orchestrator) Drive(ctx context.Context, rt Runtime, state *State) (string, error) {
	for {
		var err error
		switch state.Phase {
		case PhaseConsult:
			err = o.consult(ctx, rt, state)
		case PhaseFanOut, PhaseAwait:
			err = o.fanOutIn(ctx, rt, state)
		case PhaseDone:
			return state.Result, nil
		default:
			err = newError(ErrSubstrate, state.Task, fmt.Errorf("unknown phase %q", state.Phase))
		}
		if err != nil {
			return "", err
		}
	}
}

// consult asks the oracle for the next reply and decides what follows it.
func (o *Orchestrator) consult(ctx context.Context, rt Runtime, state *State) error {
	task := state.Task
	oracle := o.oracleFor(task)
	allow := task.Depth > 0

	raw, err := rt.Step(ctx, fmt.Sprintf("consult-%d", state.Iteration), func(ctx context.Context) (json.RawMessage, error) {
		if o.config.ConsultTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.config.ConsultTimeout)
			defer cancel()
		}
		o.metrics.OracleCalls.Add(1)
		reply, err := oracle.Consult(ctx, state.History, allow)
		if err != nil {
			return nil, newError(ErrOracle, task, err)
		}
		if d, ok := reply.(Decomposition); ok {
			if err := d.validate(); err != nil {
				return nil, newError(ErrOracle, task, err)
			}
		}
		return EncodeReply(reply)
	})
	if err != nil {
		var rerr *Error
		if errors.As(err, &rerr) {
			return err
		}
		return newError(ErrSubstrate, task, fmt.Errorf("consult step: %w", err))
	}

	reply, err := DecodeReply(raw)
	if err != nil {
		return newError(ErrSubstrate, task, err)
	}
	state.History = append(state.History, AssistantEntry(reply))

	switch r := reply.(type) {
	case Answer:
		state.Result = r.Text
		state.Phase = PhaseDone
	case Decomposition:
		if task.Depth == 0 {
			o.logger(state).WithField("requests", len(r.Requests)).
				Warn("Decomposition requested at depth 0; treating reply as the answer")
			state.Result = r.Text
			if state.Result == "" {
				state.Result = exhaustedAnswer
			}
			state.Phase = PhaseDone
		} else {
			state.Requests = r.Requests
			state.Phase = PhaseFanOut
		}
	}

	return o.checkpoint(ctx, rt, state)
}

// fanOutIn spawns one child per pending request, then awaits all of them.
// Every child is spawned before the first await. The first failure cancels
// the batch, which cancels the children still running.
func (o *Orchestrator) fanOutIn(ctx context.Context, rt Runtime, state *State) error {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if state.Phase == PhaseFanOut {
		handles := make([]Handle, 0, len(state.Requests))
		for i, req := range state.Requests {
			h, err := rt.Spawn(batchCtx, fmt.Sprintf("%d-%d", state.Iteration, i), state.Task.Child(req.Topic))
			if err != nil {
				return newError(ErrSubstrate, state.Task, fmt.Errorf("spawn %q: %w", req.Topic, err))
			}
			h.RequestID = req.ID
			handles = append(handles, h)
		}
		o.metrics.Children.Add(int64(len(handles)))
		o.logger(state).WithField("children", len(handles)).Debug("Spawned children")

		state.Pending = handles
		state.Phase = PhaseAwait
		if err := o.checkpoint(ctx, rt, state); err != nil {
			return err
		}
	}

	results, err := o.awaitAll(batchCtx, rt, state.Pending)
	if err != nil {
		return err
	}

	for i, h := range state.Pending {
		state.History = append(state.History, ToolResultEntry(h.RequestID, results[i]))
	}
	state.Requests = nil
	state.Pending = nil
	state.Iteration++
	state.Phase = PhaseConsult
	return o.checkpoint(ctx, rt, state)
}

// awaitAll resolves every handle concurrently and returns results in
// handle order. It returns the first failure.
func (o *Orchestrator) awaitAll(ctx context.Context, rt Runtime, handles []Handle) ([]string, error) {
	if o.config.ChildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.ChildTimeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]string, len(handles))
	for i, h := range handles {
		g.Go(func() error {
			out, err := rt.Await(gctx, h)
			if err != nil {
				return childError(h, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) checkpoint(ctx context.Context, rt Runtime, state *State) error {
	if err := rt.Checkpoint(ctx, *state); err != nil {
		return newError(ErrSubstrate, state.Task, fmt.Errorf("checkpoint: %w", err))
	}
	return nil
}

func (o *Orchestrator) oracleFor(task Task) Oracle {
	if task.Level > 0 && o.childOracle != nil {
		return o.childOracle
	}
	return o.oracle
}

func (o *Orchestrator) logger(state *State) *logrus.Entry {
	return o.log.WithFields(logrus.Fields{
		"topic":     state.Task.Topic,
		"depth":     state.Task.Depth,
		"level":     state.Task.Level,
		"iteration": state.Iteration,
	})
}
