package research_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/richinex/deepdive/durable"
	"github.com/richinex/deepdive/research"
	"github.com/richinex/deepdive/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// consultation is one recorded oracle call.
type consultation struct {
	Topic   string
	History []research.Message
	Allow   bool
}

// scriptedOracle answers by topic and records every consultation.
type scriptedOracle struct {
	mu     sync.Mutex
	calls  []consultation
	script func(ctx context.Context, c consultation) (research.Reply, error)
}

func newOracle(script func(ctx context.Context, c consultation) (research.Reply, error)) *scriptedOracle {
	return &scriptedOracle{script: script}
}

func (o *scriptedOracle) Consult(ctx context.Context, history []research.Message, allow bool) (research.Reply, error) {
	c := consultation{
		Topic:   topicOf(history),
		History: append([]research.Message(nil), history...),
		Allow:   allow,
	}
	o.mu.Lock()
	o.calls = append(o.calls, c)
	o.mu.Unlock()
	return o.script(ctx, c)
}

func (o *scriptedOracle) callsFor(topic string) []consultation {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []consultation
	for _, c := range o.calls {
		if c.Topic == topic {
			out = append(out, c)
		}
	}
	return out
}

// topicOf recovers the topic from the user entry that opens every history.
func topicOf(history []research.Message) string {
	content := history[1].Content
	return content[strings.LastIndex(content, "\n")+1:]
}

// toolResults returns the children's answers recorded in a history.
func toolResults(history []research.Message) []research.Message {
	var out []research.Message
	for _, m := range history {
		if m.Kind == research.KindToolResult {
			out = append(out, m)
		}
	}
	return out
}

func decompose(topics ...string) research.Decomposition {
	d := research.Decomposition{}
	for i, topic := range topics {
		d.Requests = append(d.Requests, research.Request{ID: fmt.Sprintf("r%d", i+1), Topic: topic})
	}
	return d
}

type harness struct {
	journal storage.Journal
	orch    *research.Orchestrator
	engine  *durable.Engine
	hook    *test.Hook
}

func newHarness(t *testing.T, oracle research.Oracle, config research.Config) *harness {
	t.Helper()
	return newHarnessWithJournal(t, storage.NewMemoryJournal(), oracle, config)
}

func newHarnessWithJournal(t *testing.T, journal storage.Journal, oracle research.Oracle, config research.Config) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	orch := research.New(oracle, config).WithLogger(logger)
	engine := durable.New(journal, orch.Execute).WithLogger(logger)
	t.Cleanup(engine.Close)

	return &harness{journal: journal, orch: orch, engine: engine, hook: hook}
}

func (h *harness) run(topic string, depth int) (string, string, error) {
	return h.engine.Start(context.Background(), topic, depth)
}

func TestDepthZeroAnswersDirectly(t *testing.T) {
	oracle := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		return research.Answer{Text: "A"}, nil
	})
	h := newHarness(t, oracle, research.Config{})

	_, result, err := h.run("What is Rust?", 0)
	require.NoError(t, err)
	assert.Equal(t, "A", result)

	calls := oracle.callsFor("What is Rust?")
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Allow, "decomposition must not be offered at depth 0")
	require.Len(t, calls[0].History, 2)
	assert.Equal(t, research.KindSystem, calls[0].History[0].Kind)
	assert.Equal(t, research.KindUser, calls[0].History[1].Kind)

	assert.EqualValues(t, 1, h.orch.Metrics().OracleCalls.Load())
	assert.Zero(t, h.orch.Metrics().Children.Load())
}

func TestFanOutAppendsResultsInRequestOrder(t *testing.T) {
	// Y finishes before X so completion order differs from request order.
	yDone := make(chan struct{})
	oracle := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		switch c.Topic {
		case "Compare X and Y":
			if len(toolResults(c.History)) == 0 {
				return decompose("X", "Y"), nil
			}
			return research.Answer{Text: "B"}, nil
		case "X":
			select {
			case <-yDone:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return research.Answer{Text: "x-result"}, nil
		case "Y":
			close(yDone)
			return research.Answer{Text: "y-result"}, nil
		}
		return nil, fmt.Errorf("unexpected topic %q", c.Topic)
	})
	h := newHarness(t, oracle, research.Config{})

	id, result, err := h.run("Compare X and Y", 1)
	require.NoError(t, err)
	assert.Equal(t, "B", result)

	rootCalls := oracle.callsFor("Compare X and Y")
	require.Len(t, rootCalls, 2)
	assert.True(t, rootCalls[0].Allow)

	final := rootCalls[1].History
	require.Len(t, final, 5) // system, user, assistant, 2 tool results
	assert.Equal(t, research.KindAssistant, final[2].Kind)
	assert.Len(t, final[2].Requests, 2)
	assert.Equal(t, research.ToolResultEntry("r1", "x-result"), final[3])
	assert.Equal(t, research.ToolResultEntry("r2", "y-result"), final[4])

	children, err := h.journal.Children(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, 0, child.Depth)
		assert.Equal(t, storage.StatusDone, child.Status)
	}
	assert.EqualValues(t, 2, h.orch.Metrics().Children.Load())
}

func TestChildrenHaveIsolatedHistories(t *testing.T) {
	oracle := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		if c.Topic == "root" && len(toolResults(c.History)) == 0 {
			return decompose("a", "b"), nil
		}
		return research.Answer{Text: c.Topic + "!"}, nil
	})
	h := newHarness(t, oracle, research.Config{})

	_, _, err := h.run("root", 1)
	require.NoError(t, err)

	for _, topic := range []string{"a", "b"} {
		calls := oracle.callsFor(topic)
		require.Len(t, calls, 1)
		assert.Len(t, calls[0].History, 2, "child %s must start from a fresh history", topic)
		assert.False(t, calls[0].Allow)
	}
}

func TestChildFailurePropagatesWithContext(t *testing.T) {
	oracle := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		switch c.Topic {
		case "root":
			return decompose("healthy", "broken"), nil
		case "broken":
			return nil, errors.New("model unavailable")
		default:
			return research.Answer{Text: "fine"}, nil
		}
	})
	h := newHarness(t, oracle, research.Config{})

	id, _, err := h.run("root", 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, research.ErrChild)
	assert.ErrorIs(t, err, research.ErrOracle)
	assert.Contains(t, err.Error(), `"broken"`)
	assert.Contains(t, err.Error(), "model unavailable")

	var rerr *research.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "broken", rerr.Topic)
	assert.Equal(t, 1, rerr.Depth)

	// The root never gets a second consultation.
	assert.Len(t, oracle.callsFor("root"), 1)

	root, err := h.journal.GetInvocation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, root.Status)
	assert.NotZero(t, h.orch.Metrics().Failures.Load())
}

func TestFailureCancelsOutstandingSiblings(t *testing.T) {
	cancelled := make(chan struct{})
	oracle := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		switch c.Topic {
		case "root":
			return decompose("slow", "failing"), nil
		case "slow":
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		default:
			return nil, errors.New("no")
		}
	})
	h := newHarness(t, oracle, research.Config{})

	_, _, err := h.run("root", 1)
	require.ErrorIs(t, err, research.ErrChild)
	h.engine.Close()

	select {
	case <-cancelled:
	default:
		t.Fatal("outstanding sibling was not cancelled")
	}
}

func TestDepthZeroNeverSpawns(t *testing.T) {
	// The oracle asks for decomposition no matter what it is offered.
	oracle := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		if len(toolResults(c.History)) > 0 {
			return research.Answer{Text: "summary"}, nil
		}
		d := decompose(c.Topic+"-1", c.Topic+"-2")
		d.Text = "partial " + c.Topic
		return d, nil
	})
	h := newHarness(t, oracle, research.Config{})

	id, result, err := h.run("root", 1)
	require.NoError(t, err)
	assert.Equal(t, "summary", result)

	assert.EqualValues(t, 2, h.orch.Metrics().Children.Load())
	children, err := h.journal.Children(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, "partial "+child.Topic, child.Result)
		grandchildren, err := h.journal.Children(context.Background(), child.ID)
		require.NoError(t, err)
		assert.Empty(t, grandchildren)
	}

	var warned int
	for _, entry := range h.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warned++
		}
	}
	assert.Equal(t, 2, warned)
}

func TestDepthZeroEmptyDecompositionTextGetsPlaceholder(t *testing.T) {
	oracle := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		return decompose("more"), nil
	})
	h := newHarness(t, oracle, research.Config{})

	_, result, err := h.run("root", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, result)
	assert.Zero(t, h.orch.Metrics().Children.Load())
}

func TestRecursionReachesFullDepth(t *testing.T) {
	oracle := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		if c.Allow && len(toolResults(c.History)) == 0 {
			return decompose(c.Topic+".a", c.Topic+".b"), nil
		}
		parts := []string{c.Topic}
		for _, r := range toolResults(c.History) {
			parts = append(parts, r.Content)
		}
		return research.Answer{Text: strings.Join(parts, "|")}, nil
	})
	h := newHarness(t, oracle, research.Config{})

	_, result, err := h.run("t", 2)
	require.NoError(t, err)
	assert.Equal(t, "t|t.a|t.a.a|t.a.b|t.b|t.b.a|t.b.b", result)

	m := h.orch.Metrics()
	assert.EqualValues(t, 6, m.Children.Load())
	assert.EqualValues(t, 2, m.MaxLevel.Load())
	assert.EqualValues(t, 10, m.OracleCalls.Load())
	assert.Contains(t, m.String(), "Children: 6")
}

func TestMultipleRoundsUseDistinctKeys(t *testing.T) {
	oracle := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		if c.Topic != "root" {
			return research.Answer{Text: "ok"}, nil
		}
		switch len(toolResults(c.History)) {
		case 0:
			return decompose("first"), nil
		case 1:
			return decompose("second"), nil
		default:
			return research.Answer{Text: "done"}, nil
		}
	})
	h := newHarness(t, oracle, research.Config{})

	id, result, err := h.run("root", 1)
	require.NoError(t, err)
	assert.Equal(t, "done", result)

	children, err := h.journal.Children(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "0-0", children[0].Key)
	assert.Equal(t, "first", children[0].Topic)
	assert.Equal(t, "1-0", children[1].Key)
	assert.Equal(t, "second", children[1].Topic)
}

func TestMalformedDecompositionIsOracleFailure(t *testing.T) {
	tests := []struct {
		name  string
		reply research.Decomposition
	}{
		{
			name:  "duplicate identifiers",
			reply: research.Decomposition{Requests: []research.Request{{ID: "a", Topic: "x"}, {ID: "a", Topic: "y"}}},
		},
		{
			name:  "empty topic",
			reply: research.Decomposition{Requests: []research.Request{{ID: "a", Topic: " "}}},
		},
		{
			name:  "missing identifier",
			reply: research.Decomposition{Requests: []research.Request{{Topic: "x"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
				return tt.reply, nil
			})
			h := newHarness(t, oracle, research.Config{})

			_, _, err := h.run("root", 1)
			assert.ErrorIs(t, err, research.ErrOracle)
			assert.Zero(t, h.orch.Metrics().Children.Load())
		})
	}
}

func TestInvalidInputNeverConsults(t *testing.T) {
	oracle := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		return research.Answer{Text: "x"}, nil
	})
	orch := research.New(oracle, research.Config{})

	_, err := orch.Execute(context.Background(), nil, research.Task{Topic: "t", Depth: -1})
	assert.ErrorIs(t, err, research.ErrInvalidInput)

	_, err = orch.Execute(context.Background(), nil, research.Task{Topic: "", Depth: 1})
	assert.ErrorIs(t, err, research.ErrInvalidInput)

	assert.Zero(t, orch.Metrics().OracleCalls.Load())
}

func TestConsultTimeout(t *testing.T) {
	oracle := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, oracle, research.Config{ConsultTimeout: 10 * time.Millisecond})

	_, _, err := h.run("root", 0)
	assert.ErrorIs(t, err, research.ErrOracle)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChildTimeout(t *testing.T) {
	oracle := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		if c.Topic == "root" {
			return decompose("stuck"), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, oracle, research.Config{ChildTimeout: 10 * time.Millisecond})

	_, _, err := h.run("root", 1)
	assert.ErrorIs(t, err, research.ErrChild)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChildOracleServesDescendants(t *testing.T) {
	root := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		if len(toolResults(c.History)) == 0 {
			return decompose("sub"), nil
		}
		return research.Answer{Text: "root done"}, nil
	})
	child := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		return research.Answer{Text: "cheap"}, nil
	})

	logger, _ := test.NewNullLogger()
	orch := research.New(root, research.Config{}).WithChildOracle(child).WithLogger(logger)
	engine := durable.New(storage.NewMemoryJournal(), orch.Execute).WithLogger(logger)
	t.Cleanup(engine.Close)

	_, result, err := engine.Start(context.Background(), "root", 1)
	require.NoError(t, err)
	assert.Equal(t, "root done", result)
	assert.Len(t, root.callsFor("sub"), 0)
	assert.Len(t, child.callsFor("sub"), 1)
}

// crashJournal fails every write once crashed, simulating a process that
// died with the journal in whatever state it had reached.
type crashJournal struct {
	storage.Journal
	crashed atomic.Bool
}

var errCrashed = errors.New("process crashed")

func (j *crashJournal) CompleteInvocation(ctx context.Context, id, result string) error {
	if j.crashed.Load() {
		return errCrashed
	}
	return j.Journal.CompleteInvocation(ctx, id, result)
}

func (j *crashJournal) FailInvocation(ctx context.Context, id, message string) error {
	if j.crashed.Load() {
		return errCrashed
	}
	return j.Journal.FailInvocation(ctx, id, message)
}

func (j *crashJournal) SaveStep(ctx context.Context, id, key string, value json.RawMessage) error {
	if j.crashed.Load() {
		return errCrashed
	}
	return j.Journal.SaveStep(ctx, id, key, value)
}

func (j *crashJournal) SaveCheckpoint(ctx context.Context, id string, state json.RawMessage) error {
	if j.crashed.Load() {
		return errCrashed
	}
	return j.Journal.SaveCheckpoint(ctx, id, state)
}

func TestResumeAfterCrashSkipsRecordedWork(t *testing.T) {
	base := storage.NewMemoryJournal()
	crashing := &crashJournal{Journal: base}

	script := func(ctx context.Context, c consultation) (research.Reply, error) {
		switch c.Topic {
		case "root":
			if len(toolResults(c.History)) == 0 {
				return decompose("first", "second"), nil
			}
			return research.Answer{Text: "final"}, nil
		default:
			return research.Answer{Text: c.Topic + " findings"}, nil
		}
	}

	before := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		if c.Topic == "second" {
			crashing.crashed.Store(true)
		}
		return script(ctx, c)
	})
	first := newHarnessWithJournal(t, crashing, before, research.Config{})
	id, _, err := first.run("root", 1)
	require.ErrorIs(t, err, research.ErrSubstrate)
	first.engine.Close()

	rec, err := base.GetInvocation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, rec.Status, "a crash must not record a failure")

	after := newOracle(script)
	second := newHarnessWithJournal(t, base, after, research.Config{})
	result, err := second.engine.Resume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "final", result)

	// The root's first consultation was journaled before the crash and is replayed.
	rootCalls := after.callsFor("root")
	require.Len(t, rootCalls, 1)
	assert.Equal(t, []research.Message{
		research.ToolResultEntry("r1", "first findings"),
		research.ToolResultEntry("r2", "second findings"),
	}, toolResults(rootCalls[0].History))

	// The crashed child ran again; nothing was spawned twice.
	assert.Len(t, after.callsFor("second"), 1)
	children, err := base.Children(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestResumeOfFinishedInvocationDoesNotConsult(t *testing.T) {
	oracle := newOracle(func(ctx context.Context, c consultation) (research.Reply, error) {
		return research.Answer{Text: "A"}, nil
	})
	h := newHarness(t, oracle, research.Config{})

	id, _, err := h.run("root", 0)
	require.NoError(t, err)

	result, err := h.engine.Resume(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "A", result)
	assert.Len(t, oracle.callsFor("root"), 1)
}
