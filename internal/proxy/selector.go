package proxy

import (
	"sort"

	"github.com/johnzilla/arbstr/internal/config"
	"github.com/johnzilla/arbstr/pkg/apierr"
)

// SelectedProvider is the snapshot of one candidate taken at selection time.
// RoutingCost ranks candidates only; billed cost uses the full formula.
type SelectedProvider struct {
	Name        string
	URL         string
	APIKey      string
	InputRate   int64
	OutputRate  int64
	BaseFee     int64
	RoutingCost int64
}

// CostSats is the billed cost of a request served by this provider. Rates are
// integer sats per 1k tokens; the result keeps sub-satoshi precision.
func (p *SelectedProvider) CostSats(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens*p.InputRate+outputTokens*p.OutputRate)/1000.0 + float64(p.BaseFee)
}

// resolvePolicy picks the active policy for a request: an explicit name wins,
// otherwise the first policy (in configuration order) whose keywords match
// the prompt.
func resolvePolicy(cfg *config.Config, policyName, prompt string) *config.Policy {
	if policyName != "" {
		if pol := cfg.Policy(policyName); pol != nil {
			return pol
		}
	}
	if prompt != "" {
		for i := range cfg.Policies {
			if cfg.Policies[i].MatchesPrompt(prompt) {
				return &cfg.Policies[i]
			}
		}
	}
	return nil
}

// selectProviders returns the candidates for model, cheapest first, after
// policy filtering. The sort is stable so equal-cost providers keep their
// configuration order.
func selectProviders(cfg *config.Config, model, policyName, prompt string) ([]SelectedProvider, *config.Policy, error) {
	pol := resolvePolicy(cfg, policyName, prompt)

	var out []SelectedProvider
	anyServesModel := false
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if !p.ServesModel(model) {
			continue
		}
		anyServesModel = true

		if pol != nil {
			if !pol.AllowsModel(model) {
				continue
			}
			if pol.MaxSatsPer1kOutput > 0 && p.RoutingCost() > pol.MaxSatsPer1kOutput {
				continue
			}
		}

		out = append(out, SelectedProvider{
			Name:        p.Name,
			URL:         p.URL,
			APIKey:      p.APIKey,
			InputRate:   p.InputRate,
			OutputRate:  p.OutputRate,
			BaseFee:     p.BaseFee,
			RoutingCost: p.RoutingCost(),
		})
	}

	if len(out) == 0 {
		if pol != nil && anyServesModel {
			return nil, pol, apierr.NoPolicyMatch(pol.Name)
		}
		return nil, pol, apierr.NoProviders(model)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RoutingCost < out[j].RoutingCost
	})

	return out, pol, nil
}
