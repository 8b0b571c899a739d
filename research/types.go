// Package research implements recursive topic decomposition.
//
// An invocation consults an oracle with its conversation so far. The oracle
// either answers, which ends the invocation, or asks for subtopics to be
// researched. Each subtopic becomes a child invocation with one less unit of
// depth; all children of one reply are spawned before any is awaited, and
// their answers are fed back to the oracle in request order.
//
// Recursion never uses the Go call stack: children are created and collected
// only through the Runtime primitives, and the whole invocation lives in a
// serialisable State so a substrate can resume it in another process.
package research

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies the variant of a conversation entry.
type Kind string

const (
	KindSystem     Kind = "system"
	KindUser       Kind = "user"
	KindAssistant  Kind = "assistant"
	KindToolResult Kind = "tool_result"
)

// Message is one entry of an invocation's conversation history.
type Message struct {
	Kind    Kind   `json:"kind"`
	Content string `json:"content"`
	// Requests is set on assistant entries that asked for decomposition.
	Requests []Request `json:"requests,omitempty"`
	// RequestID correlates a tool result with the request it answers.
	RequestID string `json:"request_id,omitempty"`
}

// SystemEntry creates the fixed instruction that opens every history.
func SystemEntry(content string) Message {
	return Message{Kind: KindSystem, Content: content}
}

// UserEntry creates the initial research request for a topic.
func UserEntry(topic string) Message {
	return Message{Kind: KindUser, Content: "Research the following topic and report your findings:\n\n" + topic}
}

// AssistantEntry records an oracle reply.
func AssistantEntry(reply Reply) Message {
	switch r := reply.(type) {
	case Decomposition:
		return Message{Kind: KindAssistant, Content: r.Text, Requests: r.Requests}
	case Answer:
		return Message{Kind: KindAssistant, Content: r.Text}
	default:
		return Message{Kind: KindAssistant}
	}
}

// ToolResultEntry records a child's answer to the request with the given ID.
func ToolResultEntry(requestID, content string) Message {
	return Message{Kind: KindToolResult, Content: content, RequestID: requestID}
}

// Request asks for one subtopic to be researched by a child invocation.
// ID is unique within the reply that carries it.
type Request struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

// Reply is an oracle response: either Answer or Decomposition.
type Reply interface {
	isReply()
}

// Answer is a terminal reply.
type Answer struct {
	Text string
}

// Decomposition asks for one or more subtopics to be researched.
// Text carries any commentary the oracle emitted alongside the requests.
type Decomposition struct {
	Text     string
	Requests []Request
}

func (Answer) isReply()        {}
func (Decomposition) isReply() {}

// validate rejects decompositions the orchestrator cannot correlate.
func (d Decomposition) validate() error {
	if len(d.Requests) == 0 {
		return fmt.Errorf("decomposition without requests")
	}
	seen := make(map[string]bool, len(d.Requests))
	for i, req := range d.Requests {
		if req.ID == "" {
			return fmt.Errorf("request %d has no identifier", i)
		}
		if seen[req.ID] {
			return fmt.Errorf("duplicate request identifier %q", req.ID)
		}
		seen[req.ID] = true
		if strings.TrimSpace(req.Topic) == "" {
			return fmt.Errorf("request %q has an empty topic", req.ID)
		}
	}
	return nil
}

// replyRecord is the journal form of a Reply.
type replyRecord struct {
	Text     string    `json:"text"`
	Requests []Request `json:"requests,omitempty"`
}

// EncodeReply serialises a reply for a durable step.
func EncodeReply(reply Reply) (json.RawMessage, error) {
	var rec replyRecord
	switch r := reply.(type) {
	case Answer:
		rec.Text = r.Text
	case Decomposition:
		rec.Text = r.Text
		rec.Requests = r.Requests
	default:
		return nil, fmt.Errorf("unknown reply type %T", reply)
	}
	return json.Marshal(rec)
}

// DecodeReply restores a reply recorded by EncodeReply.
func DecodeReply(raw json.RawMessage) (Reply, error) {
	var rec replyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	if len(rec.Requests) == 0 {
		return Answer{Text: rec.Text}, nil
	}
	return Decomposition{Text: rec.Text, Requests: rec.Requests}, nil
}

// Task is the input of one invocation.
type Task struct {
	Topic string `json:"topic"`
	// Depth is the remaining decomposition budget; zero never spawns.
	Depth int `json:"depth"`
	// Level is the distance from the root invocation.
	Level int `json:"level"`
}

// Validate rejects tasks that must fail before any oracle call.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Topic) == "" {
		return newError(ErrInvalidInput, t, fmt.Errorf("topic is empty"))
	}
	if t.Depth < 0 {
		return newError(ErrInvalidInput, t, fmt.Errorf("depth %d is negative", t.Depth))
	}
	return nil
}

// Child returns the task for a subtopic of t.
func (t Task) Child(topic string) Task {
	return Task{Topic: topic, Depth: t.Depth - 1, Level: t.Level + 1}
}

// Handle addresses a spawned child invocation.
type Handle struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	Topic     string `json:"topic"`
	Depth     int    `json:"depth"`
}
