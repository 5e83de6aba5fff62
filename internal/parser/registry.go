package parser

import (
	"fmt"

	"docqa-go/internal/config"
	"docqa-go/pkg/tika"
)

// NewChainFromConfig builds the provider chain in the configured order.
// With no providers configured only the local parser is used.
func NewChainFromConfig(cfg config.ParserConfig) (*Chain, error) {
	entries := cfg.Providers
	if len(entries) == 0 {
		entries = []config.ParserProviderConfig{{Name: "local"}}
	}

	providers := make([]Provider, 0, len(entries))
	opts := make([]ChainOption, 0, len(entries))
	for _, e := range entries {
		var p Provider
		switch e.Name {
		case "docling":
			p = NewDocling(e.BaseURL, e.APIKey)
		case "llamaparse":
			p = NewLlamaParse(e.BaseURL, e.APIKey, e.PollInterval)
		case "tika":
			p = NewTika(tika.NewClient(e.BaseURL, e.Timeout))
		case "local":
			p = NewLocal()
		default:
			return nil, fmt.Errorf("unknown parser provider %q", e.Name)
		}
		providers = append(providers, p)
		opts = append(opts, WithProviderTimeout(e.Name, e.Timeout))
	}
	return NewChain(providers, opts...), nil
}
