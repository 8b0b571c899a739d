// Package durable runs invocations on top of a storage.Journal so that a
// process restart loses no completed work.
//
// Information Hiding:
// - Invocation addressing hidden (root IDs are random, child IDs derive from parent and spawn key)
// - Single-flight execution per invocation hidden behind Spawn/Await
// - Journal replay and relaunch of interrupted children hidden

package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/richinex/deepdive/research"
	"github.com/richinex/deepdive/storage"
)

// ErrPending is returned by Result for invocations that have not finished.
var ErrPending = errors.New("invocation has not finished")

// RemoteError is a failure read back from the journal rather than observed
// in this process.
type RemoteError struct {
	ID      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("invocation %s failed: %s", e.ID, e.Message)
}

// TaskFunc executes one invocation. It is called for roots and children alike.
type TaskFunc func(ctx context.Context, rt research.Runtime, task research.Task) (string, error)

// future is the in-process outcome of a running invocation. ctx is the
// context it was launched under; once that is cancelled the future belongs
// to an interrupted caller and must not be handed to a new one.
type future struct {
	ctx    context.Context
	done   chan struct{}
	result string
	err    error
}

// resolved returns a future that is already finished.
func resolved(result string, err error) *future {
	fut := &future{ctx: context.Background(), done: make(chan struct{}), result: result, err: err}
	close(fut.done)
	return fut
}

// stale reports whether fut was launched by a caller that has since been
// cancelled.
func (f *future) stale() bool {
	return f.ctx.Err() != nil
}

// Engine executes invocations and journals their progress.
type Engine struct {
	journal storage.Journal
	fn      TaskFunc
	log     *logrus.Entry

	mu      sync.Mutex
	running map[string]*future
	wg      sync.WaitGroup
}

// New creates an engine that runs fn for every invocation. fn may be nil
// for an engine that only reads outcomes through Result.
func New(journal storage.Journal, fn TaskFunc) *Engine {
	return &Engine{
		journal: journal,
		fn:      fn,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		running: make(map[string]*future),
	}
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(log *logrus.Logger) *Engine {
	e.log = logrus.NewEntry(log)
	return e
}

// Start runs a new root invocation to completion and returns its ID with
// the outcome. The ID stays valid for Resume when the run is interrupted.
func (e *Engine) Start(ctx context.Context, topic string, depth int) (string, string, error) {
	task := research.Task{Topic: topic, Depth: depth}
	if err := task.Validate(); err != nil {
		return "", "", err
	}

	rec := storage.InvocationRecord{
		ID:     uuid.NewString(),
		Topic:  topic,
		Depth:  depth,
		Status: storage.StatusPending,
	}
	if _, err := e.journal.CreateInvocation(ctx, rec); err != nil {
		return "", "", substrateError(task, fmt.Errorf("create root: %w", err))
	}
	e.log.WithFields(logrus.Fields{"invocation": rec.ID, "topic": topic, "depth": depth}).Info("Starting invocation")

	result, err := e.wait(ctx, e.launch(ctx, rec))
	return rec.ID, result, err
}

// Resume continues an invocation from its journal. Finished invocations
// return their recorded outcome without running anything.
func (e *Engine) Resume(ctx context.Context, id string) (string, error) {
	rec, err := e.journal.GetInvocation(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.Status.Terminal() {
		return outcome(rec)
	}
	e.log.WithFields(logrus.Fields{"invocation": id, "topic": rec.Topic, "depth": rec.Depth}).Info("Resuming invocation")
	return e.wait(ctx, e.launch(ctx, rec))
}

// Result returns the recorded outcome of an invocation, or ErrPending.
func (e *Engine) Result(ctx context.Context, id string) (string, error) {
	rec, err := e.journal.GetInvocation(ctx, id)
	if err != nil {
		return "", err
	}
	if !rec.Status.Terminal() {
		return "", fmt.Errorf("%w: %s", ErrPending, id)
	}
	return outcome(rec)
}

// Close waits for every invocation goroutine to exit. It does not close
// the journal.
func (e *Engine) Close() {
	e.wg.Wait()
}

// launch starts rec unless it is already running in this process. A run
// left over from a cancelled caller is waited out first, then the record is
// read again: if that run finished the invocation its outcome is returned,
// otherwise the invocation is launched afresh under ctx.
func (e *Engine) launch(ctx context.Context, rec storage.InvocationRecord) *future {
	for {
		e.mu.Lock()
		fut, ok := e.running[rec.ID]
		if !ok {
			fut = &future{ctx: ctx, done: make(chan struct{})}
			e.running[rec.ID] = fut
			e.wg.Add(1)
			go func(rec storage.InvocationRecord) {
				defer e.wg.Done()
				e.run(ctx, rec, fut)
			}(rec)
			e.mu.Unlock()
			return fut
		}
		e.mu.Unlock()

		if !fut.stale() {
			return fut
		}
		select {
		case <-fut.done:
		case <-ctx.Done():
			return resolved("", ctx.Err())
		}

		latest, err := e.journal.GetInvocation(ctx, rec.ID)
		if err != nil {
			return resolved("", substrateError(taskOf(rec), fmt.Errorf("reload %s: %w", rec.ID, err)))
		}
		if latest.Status.Terminal() {
			return resolved(outcome(latest))
		}
		e.log.WithField("invocation", rec.ID).Debug("Relaunching interrupted invocation")
		rec = latest
	}
}

func (e *Engine) run(ctx context.Context, rec storage.InvocationRecord, fut *future) {
	task := taskOf(rec)
	log := e.log.WithFields(logrus.Fields{"invocation": rec.ID, "topic": rec.Topic, "depth": rec.Depth})
	rt := &runtime{engine: e, id: rec.ID, awaited: make(map[string]bool)}

	result, err := e.fn(ctx, rt, task)

	// Journal writes must land even when ctx is cancelled.
	wctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if jerr := e.journal.CompleteInvocation(wctx, rec.ID, result); jerr != nil {
			err = substrateError(task, fmt.Errorf("record result: %w", jerr))
			log.WithError(jerr).Error("Failed to record result")
		} else {
			log.Debug("Invocation completed")
		}
	case ctx.Err() != nil:
		// Interrupted, not failed: the record stays pending so Resume can continue it.
		log.WithError(err).Debug("Invocation interrupted")
	default:
		if jerr := e.journal.FailInvocation(wctx, rec.ID, err.Error()); jerr != nil {
			log.WithError(jerr).Error("Failed to record failure")
		}
		log.WithError(err).Debug("Invocation failed")
	}

	e.mu.Lock()
	fut.result, fut.err = result, err
	delete(e.running, rec.ID)
	e.mu.Unlock()
	close(fut.done)
}

func (e *Engine) wait(ctx context.Context, fut *future) (string, error) {
	select {
	case <-fut.done:
		if fut.err != nil {
			return "", fut.err
		}
		return fut.result, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// outcome converts a finished record into a result or a RemoteError.
func outcome(rec storage.InvocationRecord) (string, error) {
	if rec.Status == storage.StatusFailed {
		return "", &RemoteError{ID: rec.ID, Message: rec.Error}
	}
	return rec.Result, nil
}

func taskOf(rec storage.InvocationRecord) research.Task {
	return research.Task{Topic: rec.Topic, Depth: rec.Depth, Level: rec.Level}
}

func substrateError(task research.Task, err error) error {
	return &research.Error{Kind: research.ErrSubstrate, Topic: task.Topic, Depth: task.Depth, Err: err}
}
