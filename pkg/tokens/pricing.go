package tokens

import (
	"fmt"
	"strings"

	"github.com/kadirpekel/manifold/pkg/protocol"
)

// Pricing is a model's published per-1K-token cost.
type Pricing struct {
	Model       string  `json:"model"`
	InputPer1K  float64 `json:"input_cost_per_1k"`
	OutputPer1K float64 `json:"output_cost_per_1k"`
	Currency    string  `json:"currency"`
}

// CostEstimate is the cost of one call at a given pricing.
type CostEstimate struct {
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`
	TotalCost    float64 `json:"total_cost"`
	Currency     string  `json:"currency"`
}

// Cost prices a token count.
func (p Pricing) Cost(inputTokens, outputTokens int) CostEstimate {
	in := float64(inputTokens) / 1000 * p.InputPer1K
	out := float64(outputTokens) / 1000 * p.OutputPer1K
	return CostEstimate{
		Model:        p.Model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		InputCost:    in,
		OutputCost:   out,
		TotalCost:    in + out,
		Currency:     p.Currency,
	}
}

// CostForUsage prices a provider-reported usage payload.
func (p Pricing) CostForUsage(u protocol.Usage) CostEstimate {
	return p.Cost(u.PromptTokens, u.CompletionTokens)
}

func (e CostEstimate) String() string {
	if e.TotalCost < 0.01 {
		return fmt.Sprintf("%.4f¢", e.TotalCost*100)
	}
	return fmt.Sprintf("$%.4f", e.TotalCost)
}

// PricingFor returns pricing for well-known models. The table is a
// convenience for rough budgeting, not a billing source.
func PricingFor(model string) (Pricing, bool) {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gpt-4o-mini"):
		return Pricing{Model: "gpt-4o-mini", InputPer1K: 0.00015, OutputPer1K: 0.0006, Currency: "USD"}, true
	case strings.Contains(m, "gpt-4o"):
		return Pricing{Model: "gpt-4o", InputPer1K: 0.005, OutputPer1K: 0.015, Currency: "USD"}, true
	case strings.Contains(m, "claude-3-5-sonnet"):
		return Pricing{Model: "claude-3-5-sonnet", InputPer1K: 0.003, OutputPer1K: 0.015, Currency: "USD"}, true
	case strings.Contains(m, "claude-3-haiku"):
		return Pricing{Model: "claude-3-haiku", InputPer1K: 0.00025, OutputPer1K: 0.00125, Currency: "USD"}, true
	}
	return Pricing{}, false
}
