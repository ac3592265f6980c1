package enrich

import (
	"errors"
	"fmt"
)

// Providers accepted by New.
const (
	ProviderAnthropic = "anthropic"
	ProviderCommand   = "command"
	ProviderNone      = "none"
)

// Options selects and configures an Enricher.
type Options struct {
	Provider string
	APIKey   string
	Model    string
	Command  string
}

// New returns the Enricher for opts.Provider.
func New(opts Options) (Enricher, error) {
	switch opts.Provider {
	case ProviderAnthropic:
		if opts.APIKey == "" {
			return nil, errors.New(
				"anthropic enrichment needs an API key " +
					"(anthropic_api_key or ANTHROPIC_API_KEY)",
			)
		}
		return NewClient(opts.APIKey, opts.Model), nil
	case ProviderCommand:
		return NewCommand(opts.Command)
	case ProviderNone, "":
		return Passthrough{}, nil
	}
	return nil, fmt.Errorf("unknown enrich provider %q", opts.Provider)
}
