package manager

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"agentdispatch/pkg/config"
	"agentdispatch/pkg/taskqueue"
	"agentdispatch/pkg/utils"
)

// defaultTokenBudget applies when a backend has no max_tokens configured.
const defaultTokenBudget = 8192

// PromptBuilder turns a task into the message sent to a backend, enforcing
// the backend's token budget.
type PromptBuilder struct {
	counter *utils.TokenCounter
}

// NewPromptBuilder creates a builder. Token counting falls back to a
// character estimate if the tokenizer cannot be constructed.
func NewPromptBuilder() *PromptBuilder {
	counter, err := utils.NewTokenCounter("gpt-4")
	if err != nil {
		counter = &utils.TokenCounter{}
	}
	return &PromptBuilder{counter: counter}
}

// Build renders the prompt for a task and truncates it to the backend's
// token budget. Returns the prompt and its token count.
func (b *PromptBuilder) Build(task *taskqueue.Task, backend config.BackendCfg) (string, int) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Task: %s\n", task.Type)
	if len(task.Requirements) > 0 {
		sb.WriteString("\nRequirements:\n")
		for _, req := range task.Requirements {
			fmt.Fprintf(&sb, "- %s\n", req)
		}
	}

	// Well-known data keys render as top-level sections; everything else is
	// attached as a JSON context block.
	if desc, ok := task.Data["description"].(string); ok && desc != "" {
		fmt.Fprintf(&sb, "\n%s\n", desc)
	}
	if extra := contextData(task.Data); len(extra) > 0 {
		if data, err := json.MarshalIndent(extra, "", "  "); err == nil {
			fmt.Fprintf(&sb, "\nContext:\n%s\n", data)
		}
	}

	prompt := sb.String()
	budget := backend.MaxTokens
	if budget <= 0 {
		budget = defaultTokenBudget
	}

	if !b.counter.ValidateTokenLimit(prompt, budget) {
		prompt = b.counter.TruncateToTokenLimit(prompt, budget)
	}
	return prompt, b.counter.CountTokens(prompt)
}

// contextData returns the task data minus keys already rendered, with stable
// key order for deterministic prompts.
func contextData(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == "description" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		out[k] = data[k]
	}
	return out
}
