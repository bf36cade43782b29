package cache

import (
	"time"

	"github.com/AyooB00/Qouantb-sub001/internal/platform/observability"
)

// Default TTLs per data category. Quotes move every tick, company profiles
// almost never, analyses sit in between.
const (
	QuoteTTL    = 60 * time.Second
	ProfileTTL  = time.Hour
	AnalysisTTL = 5 * time.Minute
)

// Namespace describes one logical cache: its label, size and TTL.
type Namespace struct {
	Name     string
	Capacity int
	TTL      time.Duration
}

// Namespaces bundles the per-category cache settings.
type Namespaces struct {
	Quotes        Namespace
	Profiles      Namespace
	Analyses      Namespace
	SweepInterval time.Duration
}

// DefaultNamespaces returns the quote, profile and analysis defaults.
func DefaultNamespaces() Namespaces {
	return Namespaces{
		Quotes:        Namespace{Name: "quotes", Capacity: 500, TTL: QuoteTTL},
		Profiles:      Namespace{Name: "profiles", Capacity: 500, TTL: ProfileTTL},
		Analyses:      Namespace{Name: "analyses", Capacity: 200, TTL: AnalysisTTL},
		SweepInterval: defaultSweepInterval,
	}
}

// MemoryConfig turns the namespace into a MemoryCacheConfig.
func (n Namespace) MemoryConfig(sweep time.Duration, metrics *observability.Metrics, logger *observability.Logger) MemoryCacheConfig {
	return MemoryCacheConfig{
		Name:          n.Name,
		Capacity:      n.Capacity,
		DefaultTTL:    n.TTL,
		SweepInterval: sweep,
		Metrics:       metrics,
		Logger:        logger,
	}
}
