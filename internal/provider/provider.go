// Package provider adapts the optimizer's chat capability onto the OpenAI
// and Anthropic SDKs. Adapters are one-shot (no streaming) and map provider
// usage onto the shared accounting type.
package provider

import (
	"fmt"
	"strings"

	"github.com/spectyra/spectyra-core/internal/optimizer"
)

// Wire-id provider segments.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Options configure an adapter. An empty APIKey falls back to the
// provider's environment variable; an empty BaseURL keeps the SDK default
// endpoint.
type Options struct {
	APIKey  string
	BaseURL string
}

// New builds the adapter for a "<provider>/<model>" wire id's provider
// segment.
func New(name string, opts Options) (optimizer.ChatProvider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ProviderOpenAI:
		return NewOpenAI(opts)
	case ProviderAnthropic:
		return NewAnthropic(opts)
	default:
		return nil, fmt.Errorf("provider: unsupported provider %q", name)
	}
}
