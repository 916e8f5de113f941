package providers

import "unicode/utf8"

// RerankRequest is the body of a rerank call
type RerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            *int     `json:"top_n,omitempty"`
	ReturnDocuments *bool    `json:"return_documents,omitempty"`
}

// RerankResponse is the part of a rerank response used for accounting
type RerankResponse struct {
	Usage *RerankUsage `json:"usage,omitempty"`
}

type RerankUsage struct {
	PromptTokens int64 `json:"prompt_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

func (u *RerankUsage) inputUnits() int64 {
	if u.PromptTokens > 0 {
		return u.PromptTokens
	}
	return u.TotalTokens
}

// EstimateUnits approximates a token count as one unit per four characters,
// rounded up.
func EstimateUnits(s string) int64 {
	return UnitsForRunes(int64(utf8.RuneCountInString(s)))
}

// UnitsForRunes applies the same estimate to a character count.
func UnitsForRunes(n int64) int64 {
	return (n + 3) / 4
}
