package relay

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// lineResult is what one data line contributed to accounting.
type lineResult struct {
	usage        *models.Usage
	contentRunes int64
	err          error
}

func parseLine(payload []byte) lineResult {
	var event openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(payload, &event); err != nil {
		return lineResult{err: err}
	}

	var res lineResult
	if event.Usage != nil {
		res.usage = &models.Usage{
			InputUnits:  int64(event.Usage.PromptTokens),
			OutputUnits: int64(event.Usage.CompletionTokens),
		}
	}
	for _, choice := range event.Choices {
		res.contentRunes += int64(utf8.RuneCountInString(choice.Delta.Content))
		for _, call := range choice.Delta.ToolCalls {
			res.contentRunes += int64(utf8.RuneCountInString(call.Function.Arguments))
		}
	}
	return res
}

// usageTracker keeps the last explicit usage block and a running content
// count for the fallback estimate.
type usageTracker struct {
	explicit     *models.Usage
	contentRunes int64
}

func (t *usageTracker) add(res lineResult) {
	if res.usage != nil {
		u := *res.usage
		t.explicit = &u
	}
	t.contentRunes += res.contentRunes
}

// result prefers explicit usage over the estimate, whichever order they arrived in.
func (t *usageTracker) result() models.Usage {
	if t.explicit != nil {
		return *t.explicit
	}
	return models.Usage{OutputUnits: providers.UnitsForRunes(t.contentRunes)}
}
