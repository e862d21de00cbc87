package ledger

// EstimateCostUSD prices a token count with the coarse model-tier table used
// by the fallback baseline. Harness callers use it when a provider does not
// report spend; zero or negative counts cost nothing.
func EstimateCostUSD(model string, tokens int64) float64 {
	if tokens <= 0 {
		return 0
	}
	return float64(tokens) * tierRate(modelTier(model))
}
