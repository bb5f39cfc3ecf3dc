package budget

// DefaultProvider is the pricing entry used for unknown providers.
const DefaultProvider = "default"

// Price is the cost of one million tokens, in cents.
type Price struct {
	InputCentsPerMTok  int64 `mapstructure:"input_cents_per_mtok"`
	OutputCentsPerMTok int64 `mapstructure:"output_cents_per_mtok"`
}

// Pricing maps provider identifiers to prices.
type Pricing map[string]Price

// DefaultPricing returns the built-in price table.
func DefaultPricing() Pricing {
	return Pricing{
		DefaultProvider: {InputCentsPerMTok: 300, OutputCentsPerMTok: 1500},
		"anthropic":     {InputCentsPerMTok: 300, OutputCentsPerMTok: 1500},
		"openai":        {InputCentsPerMTok: 250, OutputCentsPerMTok: 1000},
	}
}

// Cost returns the price of a call in whole cents, rounded up so that a
// non-empty call is never free.
func (p Pricing) Cost(provider string, inputTokens, outputTokens int64) int64 {
	price, ok := p[provider]
	if !ok {
		price = p[DefaultProvider]
	}
	micro := inputTokens*price.InputCentsPerMTok + outputTokens*price.OutputCentsPerMTok
	if micro <= 0 {
		return 0
	}
	return (micro + 999_999) / 1_000_000
}
