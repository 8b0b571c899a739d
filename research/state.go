package research

// Phase is the position of an invocation in its consult/spawn/await loop.
type Phase string

const (
	PhaseConsult Phase = "consult"
	PhaseFanOut  Phase = "fan_out"
	PhaseAwait   Phase = "await"
	PhaseDone    Phase = "done"
)

// State is everything needed to resume an invocation.
type State struct {
	Task      Task      `json:"task"`
	Phase     Phase     `json:"phase"`
	Iteration int       `json:"iteration"`
	History   []Message `json:"history"`
	// Requests of the reply being fanned out, in oracle order.
	Requests []Request `json:"requests,omitempty"`
	// Pending holds one handle per request once the batch is spawned.
	Pending []Handle `json:"pending,omitempty"`
	Result  string   `json:"result,omitempty"`
}

// NewState starts an invocation with history [system, user(topic)].
func NewState(task Task, systemPrompt string) *State {
	return &State{
		Task:  task,
		Phase: PhaseConsult,
		History: []Message{
			SystemEntry(systemPrompt),
			UserEntry(task.Topic),
		},
	}
}
