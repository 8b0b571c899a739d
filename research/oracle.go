// LLM-backed oracle.
//
// Information Hiding:
// - Mapping between history entries and provider chat messages hidden
// - Tool schema and argument parsing hidden
// - Token accounting hidden behind Usage()

package research

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	jsonutil "github.com/richinex/deepdive/internal/json"
	"github.com/richinex/deepdive/llm"
)

// researchArgs are the arguments of the research tool.
type researchArgs struct {
	Topic string `json:"topic"`
}

// LLMOracle consults a language model. Decomposition is offered to the
// model as a single tool; each call of it is one request.
type LLMOracle struct {
	provider llm.Provider
	log      *logrus.Entry

	promptTokens     atomic.Int64
	completionTokens atomic.Int64
}

// NewLLMOracle creates an oracle backed by provider.
func NewLLMOracle(provider llm.Provider) *LLMOracle {
	return &LLMOracle{
		provider: provider,
		log:      logrus.WithField("provider", provider.Name()),
	}
}

// WithLogger sets the logger.
func (o *LLMOracle) WithLogger(log *logrus.Logger) *LLMOracle {
	o.log = log.WithField("provider", o.provider.Name())
	return o
}

// Usage returns the prompt and completion tokens consumed so far.
func (o *LLMOracle) Usage() (prompt, completion int64) {
	return o.promptTokens.Load(), o.completionTokens.Load()
}

// Consult sends history to the model. Tools are offered only when
// allowDecompose is set.
func (o *LLMOracle) Consult(ctx context.Context, history []Message, allowDecompose bool) (Reply, error) {
	var tools []llm.ToolDefinition
	if allowDecompose {
		tools = []llm.ToolDefinition{researchTool()}
	}

	resp, err := o.provider.Complete(ctx, toChatMessages(history), tools)
	if err != nil {
		return nil, fmt.Errorf("%s completion failed: %w", o.provider.Name(), err)
	}
	if resp.Usage != nil {
		o.promptTokens.Add(int64(resp.Usage.PromptTokens))
		o.completionTokens.Add(int64(resp.Usage.CompletionTokens))
	}
	o.log.WithFields(logrus.Fields{
		"model":      o.provider.Model(),
		"tool_calls": len(resp.ToolCalls),
	}).Debug("Oracle replied")

	if len(resp.ToolCalls) == 0 {
		return Answer{Text: resp.Content}, nil
	}

	requests := make([]Request, 0, len(resp.ToolCalls))
	for i, call := range resp.ToolCalls {
		req, err := parseToolCall(call)
		if err != nil {
			return nil, err
		}
		if req.ID == "" {
			req.ID = fmt.Sprintf("call_%d", i)
		}
		requests = append(requests, req)
	}
	return Decomposition{Text: resp.Content, Requests: requests}, nil
}

func parseToolCall(call llm.ToolCall) (Request, error) {
	if call.Name != ToolName {
		return Request{}, fmt.Errorf("unknown tool %q", call.Name)
	}
	args, err := jsonutil.Decode[researchArgs](string(call.Arguments))
	if err != nil {
		return Request{}, fmt.Errorf("invalid arguments for %s: %w", ToolName, err)
	}
	if args.Topic == "" {
		return Request{}, fmt.Errorf("%s call %q has no topic", ToolName, call.ID)
	}
	return Request{ID: call.ID, Topic: args.Topic}, nil
}

func researchTool() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        ToolName,
		Description: "Delegate one subtopic to a separate researcher and receive its findings.",
		Parameters: llm.StringParam(map[string]string{
			"topic": "The subtopic to research, phrased as a self-contained question or subject",
		}),
	}
}

// toChatMessages converts a history into provider messages. Assistant
// entries that decomposed carry one tool call per request so the tool
// results that follow them can be correlated.
func toChatMessages(history []Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(history))
	for _, m := range history {
		switch m.Kind {
		case KindSystem:
			out = append(out, llm.SystemMessage(m.Content))
		case KindUser:
			out = append(out, llm.UserMessage(m.Content))
		case KindAssistant:
			msg := llm.ChatMessage{Role: llm.RoleAssistant, Content: m.Content}
			for _, req := range m.Requests {
				args, _ := json.Marshal(researchArgs{Topic: req.Topic})
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: req.ID, Name: ToolName, Arguments: args})
			}
			out = append(out, msg)
		case KindToolResult:
			out = append(out, llm.ToolMessage(m.RequestID, m.Content))
		}
	}
	return out
}
