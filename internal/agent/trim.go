package agent

import (
	"strings"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/provider"
)

const (
	defaultContextBudget = 24000 // tokens
	trimmedResultChars   = 800
	trimMarker           = "\n...[truncated]"
)

// trimToolResults shortens tool outputs, oldest first, until the estimated
// size of msgs fits budget. System, user and assistant turns are never touched
// and the most recent tool result is kept intact when possible.
func trimToolResults(msgs []provider.Message, budget int) (trimmed int) {
	total := estimateTokens(msgs)
	if total <= budget {
		return 0
	}
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "tool" {
			last = i
			break
		}
	}
	for pass := 0; pass < 2 && total > budget; pass++ {
		for i := range msgs {
			if total <= budget {
				break
			}
			// The newest result is only cut on the second pass.
			if msgs[i].Role != "tool" || (i == last && pass == 0) {
				continue
			}
			runes := []rune(msgs[i].Content)
			if len(runes) <= trimmedResultChars || strings.HasSuffix(msgs[i].Content, trimMarker) {
				continue
			}
			before := estimateTokensStr(msgs[i].Content)
			msgs[i].Content = string(runes[:trimmedResultChars]) + trimMarker
			total -= before - estimateTokensStr(msgs[i].Content)
			trimmed++
		}
	}
	return trimmed
}

func estimateTokens(msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateTokensStr(m.Content)
		for _, tc := range m.ToolCalls {
			total += estimateTokensStr(tc.Function.Arguments)
		}
	}
	return total
}

// estimateTokensStr uses the ~4 bytes per token heuristic.
func estimateTokensStr(s string) int {
	return (len(s) + 3) / 4
}
