package market

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	maxScreenSymbols  = 50
	screenConcurrency = 4
)

// ScreenCriteria filters quotes. Nil bounds are ignored.
type ScreenCriteria struct {
	MinChangePct *float64 `json:"minChangePct,omitempty"`
	MaxChangePct *float64 `json:"maxChangePct,omitempty"`
	MinPrice     *float64 `json:"minPrice,omitempty"`
	MaxPrice     *float64 `json:"maxPrice,omitempty"`
	// Limit caps the number of matches; zero means no cap
	Limit int `json:"limit,omitempty"`
}

// ScreenResult is one screened symbol. Failed lookups carry Error and no
// prices.
type ScreenResult struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	PercentChange decimal.Decimal `json:"percentChange"`
	Error         string          `json:"error,omitempty"`
}

// Screen fetches quotes for symbols and returns those matching criteria,
// largest absolute move first, followed by symbols whose lookup failed.
func (s *Service) Screen(ctx context.Context, symbols []string, criteria ScreenCriteria) ([]ScreenResult, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols to screen", ErrInvalidArgument)
	}
	if len(symbols) > maxScreenSymbols {
		return nil, fmt.Errorf("%w: at most %d symbols per screen, got %d", ErrInvalidArgument, maxScreenSymbols, len(symbols))
	}

	normalized := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, raw := range symbols {
		sym, err := NormalizeSymbol(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		normalized = append(normalized, sym)
	}

	results := make([]ScreenResult, len(normalized))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(screenConcurrency)
	for i, sym := range normalized {
		g.Go(func() error {
			q, err := s.quote(gctx, sym, PriorityQuote)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				results[i] = ScreenResult{Symbol: sym, Error: err.Error()}
				return nil
			}
			results[i] = ScreenResult{
				Symbol:        sym,
				Price:         q.Current,
				Change:        q.Change,
				PercentChange: q.PercentChange,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var matches, failures []ScreenResult
	for _, r := range results {
		switch {
		case r.Error != "":
			failures = append(failures, r)
		case criteria.matches(r):
			matches = append(matches, r)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].PercentChange.Abs().GreaterThan(matches[j].PercentChange.Abs())
	})
	if criteria.Limit > 0 && len(matches) > criteria.Limit {
		matches = matches[:criteria.Limit]
	}

	return append(matches, failures...), nil
}

func (c ScreenCriteria) matches(r ScreenResult) bool {
	if c.MinChangePct != nil && r.PercentChange.LessThan(decimal.NewFromFloat(*c.MinChangePct)) {
		return false
	}
	if c.MaxChangePct != nil && r.PercentChange.GreaterThan(decimal.NewFromFloat(*c.MaxChangePct)) {
		return false
	}
	if c.MinPrice != nil && r.Price.LessThan(decimal.NewFromFloat(*c.MinPrice)) {
		return false
	}
	if c.MaxPrice != nil && r.Price.GreaterThan(decimal.NewFromFloat(*c.MaxPrice)) {
		return false
	}
	return true
}
