package json

import (
	"strings"
	"testing"
)

type topicArgs struct {
	Topic string `json:"topic"`
}

func TestDecodeShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"pure", `{"topic": "tides"}`},
		{"prefix", `Here you go: {"topic": "tides"}`},
		{"suffix", `{"topic": "tides"} hope that helps`},
		{"fenced", "```json\n{\"topic\": \"tides\"}\n```"},
		{"double encoded", `"{\"topic\": \"tides\"}"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode[topicArgs](tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Topic != "tides" {
				t.Errorf("expected topic 'tides', got %q", got.Topic)
			}
		})
	}
}

func TestDecodeNoJSON(t *testing.T) {
	_, err := Decode[topicArgs]("just words")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "failed to extract valid JSON") {
		t.Errorf("expected 'failed to extract valid JSON' in error, got: %v", err)
	}
}

func TestDecodeRejectsArrays(t *testing.T) {
	if _, err := Extract(`["tides"]`); err == nil {
		t.Fatal("expected error for top-level array")
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	if _, err := Decode[topicArgs](`{"topic": tides}`); err == nil {
		t.Fatal("expected error, got nil")
	}
}
