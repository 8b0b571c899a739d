package research

import "fmt"

// ToolName is the name under which decomposition is offered to the oracle.
const ToolName = "research"

// SystemPrompt builds the instruction that opens an invocation's history.
// The depth budget is stated so the oracle knows when it must answer directly.
func SystemPrompt(depth int, extra string) string {
	budget := "You cannot delegate: answer the topic directly and completely."
	if depth > 0 {
		// Children run with depth-1.
		nested := "Delegated researchers cannot delegate further."
		if depth > 1 {
			nested = fmt.Sprintf("Delegated researchers can themselves delegate, up to %d more level(s).", depth-1)
		}
		budget = fmt.Sprintf(`You may delegate subtopics with the %q tool. Call it once per subtopic;
several calls in one reply are researched in parallel and each result comes
back as a tool result. %s
Delegate only when a topic has clearly separable parts.`, ToolName, nested)
	}

	prompt := fmt.Sprintf(`You are a research assistant. Your job is to produce a thorough, accurate
answer for ONE topic.

%s

When you have enough material, reply with the final answer as plain text.
When you received results from delegated subtopics, synthesise them into a
single coherent answer rather than listing them.`, budget)

	if extra != "" {
		prompt += "\n\n" + extra
	}
	return prompt
}
