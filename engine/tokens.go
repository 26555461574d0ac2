package engine

import (
	"sync"

	"github.com/truffle-ai/saiki-sub003/core"
	"github.com/truffle-ai/saiki-sub003/model"
)

// TokenBudget bounds the history window sent to the backend.
type TokenBudget struct {
	// MaxHistoryTokens is the estimated token ceiling for the message window.
	MaxHistoryTokens int

	// MinHistoryTokens floors budget tightening after context overflows.
	MinHistoryTokens int
}

// DefaultTokenBudget returns a window sized for small-context models; larger
// deployments should raise MaxHistoryTokens to match their backend.
func DefaultTokenBudget() TokenBudget {
	return TokenBudget{MaxHistoryTokens: 32000, MinHistoryTokens: 1024}
}

// compactor trims the message window to the token budget. Estimates start at
// the usual chars-per-token heuristic and are calibrated against measured
// prompt usage reported by the backend, so repeated turns converge on real
// counts instead of guesses.
type compactor struct {
	mu          sync.Mutex
	budget      TokenBudget
	calibration float64
}

func newCompactor(budget TokenBudget) *compactor {
	if budget.MaxHistoryTokens <= 0 {
		budget = DefaultTokenBudget()
	}
	if budget.MinHistoryTokens <= 0 {
		budget.MinHistoryTokens = 1024
	}
	return &compactor{budget: budget, calibration: 1.0}
}

// record feeds measured prompt usage back into the estimator. sent is the
// message window of the request the usage belongs to.
func (c *compactor) record(usage *model.TokenUsage, sent []core.Message) {
	if usage == nil || usage.PromptTokens <= 0 {
		return
	}
	raw := rawEstimate(sent)
	if raw <= 0 {
		return
	}
	c.mu.Lock()
	c.calibration = float64(usage.PromptTokens) / float64(raw)
	c.mu.Unlock()
}

// tighten halves the budget after a context overflow, floored at
// MinHistoryTokens.
func (c *compactor) tighten() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budget.MaxHistoryTokens /= 2
	if c.budget.MaxHistoryTokens < c.budget.MinHistoryTokens {
		c.budget.MaxHistoryTokens = c.budget.MinHistoryTokens
	}
}

// compact returns the newest suffix of msgs that fits the budget. The window
// never starts with a tool result: a result split from its issuing assistant
// message would be rejected as dangling, so the cut advances past any leading
// results. The full slice is returned unchanged when it already fits.
func (c *compactor) compact(msgs []core.Message) []core.Message {
	c.mu.Lock()
	limit := c.budget.MaxHistoryTokens
	cal := c.calibration
	c.mu.Unlock()

	total := int(float64(rawEstimate(msgs)) * cal)
	if total <= limit {
		return core.CloneMessages(msgs)
	}

	// Walk backwards accumulating until the budget is exhausted.
	start := len(msgs)
	budget := float64(limit)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := float64(estimateMessage(msgs[i])) * cal
		if budget-cost < 0 && start < len(msgs) {
			break
		}
		budget -= cost
		start = i
	}
	for start < len(msgs) && msgs[start].IsToolResult() {
		start++
	}
	return core.CloneMessages(msgs[start:])
}

// rawEstimate sums uncalibrated token estimates for msgs.
func rawEstimate(msgs []core.Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateMessage(m)
	}
	return total
}

// estimateMessage approximates token count at four characters per token,
// plus a small per-message overhead for role and framing.
func estimateMessage(m core.Message) int {
	chars := len(m.Content)
	for _, call := range m.ToolCalls {
		chars += len(call.Name) + len(call.Arguments)
	}
	return chars/4 + 8
}
