package usecase

import (
	"cloudrelay/internal/domain"
	"cloudrelay/internal/domain/ports"
)

// Providers dispatches a locator to the first provider that claims it.
type Providers []ports.Provider

func (ps Providers) For(loc domain.Locator) (ports.Provider, error) {
	for _, p := range ps {
		if p != nil && p.Supports(loc) {
			return p, nil
		}
	}
	return nil, domain.ErrInvalidLocator
}

// Names lists the configured providers.
func (ps Providers) Names() []string {
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			names = append(names, p.Name())
		}
	}
	return names
}
