// Package market answers quote, profile and analysis lookups from the
// namespace caches, going through the request governor on a miss.
package market

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AyooB00/Qouantb-sub001/internal/finnhub"
	"github.com/AyooB00/Qouantb-sub001/internal/llm"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/cache"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/observability"
	"github.com/AyooB00/Qouantb-sub001/internal/platform/resilience"
)

// Governor priorities. Interactive quotes jump ahead of profile lookups;
// background warming yields to both.
const (
	PriorityQuote   = 5
	PriorityProfile = 0
	PriorityCandles = 0
	PriorityWarm    = -5
)

const (
	defaultAnalysisTimeout = 2 * time.Minute

	// warmConcurrency caps watchlist lookups queued by one warmup at a time.
	warmConcurrency = 4
)

var (
	// ErrInvalidArgument wraps every caller input error
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidSymbol is returned for a malformed ticker
	ErrInvalidSymbol = fmt.Errorf("%w: symbol", ErrInvalidArgument)

	// ErrUnknownPersona is returned for an analysis persona that does not exist
	ErrUnknownPersona = fmt.Errorf("%w: unknown persona", ErrInvalidArgument)

	// ErrAnalysisDisabled is returned when no LLM client is configured
	ErrAnalysisDisabled = errors.New("analysis is disabled")
)

var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// NormalizeSymbol upper-cases and validates a ticker.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// MarketData is the upstream the governor protects.
type MarketData interface {
	Quote(ctx context.Context, symbol string) (*finnhub.Quote, error)
	Profile(ctx context.Context, symbol string) (*finnhub.Profile, error)
	Candles(ctx context.Context, symbol, resolution string, from, to time.Time) (*finnhub.Candles, error)
}

// Completer generates analysis text.
type Completer interface {
	Complete(ctx context.Context, req llm.ChatRequest) (string, error)
	Model() string
}

// Analysis is a persona's take on a stock.
type Analysis struct {
	Symbol      string           `json:"symbol"`
	Persona     string           `json:"persona"`
	PersonaName string           `json:"personaName"`
	Content     string           `json:"content"`
	Model       string           `json:"model"`
	Quote       *finnhub.Quote   `json:"quote"`
	Profile     *finnhub.Profile `json:"profile,omitempty"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

// QueueStatus reports where a symbol's lookups stand in the governor queue.
type QueueStatus struct {
	Symbol     string `json:"symbol"`
	Position   int    `json:"position"`
	Queued     bool   `json:"queued"`
	QueueSize  int    `json:"queueSize"`
	Processing bool   `json:"processing"`
}

// ServiceConfig holds market service configuration
type ServiceConfig struct {
	Governor   *resilience.Governor
	MarketData MarketData
	// LLM may be nil, which disables Analyze
	LLM        Completer
	Namespaces cache.Namespaces
	Watchlist  []string
	Logger     *observability.Logger
	Metrics    *observability.Metrics

	// AnalysisTimeout bounds one shared analysis, independent of the callers
	// waiting on it (default 2 minutes)
	AnalysisTimeout time.Duration
}

// Service composes the caches, the governor and the upstream clients.
type Service struct {
	governor  *resilience.Governor
	data      MarketData
	llm       Completer
	logger    *observability.Logger
	watchlist []string

	quotes   *cache.MemoryCache[*finnhub.Quote]
	profiles *cache.MemoryCache[*finnhub.Profile]
	analyses *cache.MemoryCache[*Analysis]

	quoteTTL        time.Duration
	profileTTL      time.Duration
	analysisTTL     time.Duration
	analysisTimeout time.Duration

	analyzing singleflight.Group

	closeOnce sync.Once
}

// NewService creates the service and its namespace caches. Call Close to
// stop the caches' sweep goroutines.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Governor == nil {
		return nil, fmt.Errorf("governor is required")
	}
	if cfg.MarketData == nil {
		return nil, fmt.Errorf("market data client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = defaultAnalysisTimeout
	}

	ns := cfg.Namespaces
	defaults := cache.DefaultNamespaces()
	if ns.Quotes.Name == "" {
		ns.Quotes = defaults.Quotes
	}
	if ns.Profiles.Name == "" {
		ns.Profiles = defaults.Profiles
	}
	if ns.Analyses.Name == "" {
		ns.Analyses = defaults.Analyses
	}

	watchlist := make([]string, 0, len(cfg.Watchlist))
	for _, s := range cfg.Watchlist {
		sym, err := NormalizeSymbol(s)
		if err != nil {
			return nil, fmt.Errorf("watchlist: %w", err)
		}
		watchlist = append(watchlist, sym)
	}

	logger := cfg.Logger.Component("market")
	return &Service{
		governor:        cfg.Governor,
		data:            cfg.MarketData,
		llm:             cfg.LLM,
		logger:          logger,
		watchlist:       watchlist,
		quotes:          cache.NewMemoryCache[*finnhub.Quote](ns.Quotes.MemoryConfig(ns.SweepInterval, cfg.Metrics, logger)),
		profiles:        cache.NewMemoryCache[*finnhub.Profile](ns.Profiles.MemoryConfig(ns.SweepInterval, cfg.Metrics, logger)),
		analyses:        cache.NewMemoryCache[*Analysis](ns.Analyses.MemoryConfig(ns.SweepInterval, cfg.Metrics, logger)),
		quoteTTL:        ns.Quotes.TTL,
		profileTTL:      ns.Profiles.TTL,
		analysisTTL:     ns.Analyses.TTL,
		analysisTimeout: cfg.AnalysisTimeout,
	}, nil
}

// Quote returns the latest quote for symbol.
func (s *Service) Quote(ctx context.Context, symbol string) (*finnhub.Quote, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return s.quote(ctx, sym, PriorityQuote)
}

func (s *Service) quote(ctx context.Context, sym string, priority int) (*finnhub.Quote, error) {
	if q, ok := s.quotes.Get(sym); ok {
		return q, nil
	}

	q, err := resilience.Do(ctx, s.governor, func(ctx context.Context) (*finnhub.Quote, error) {
		return s.data.Quote(ctx, sym)
	}, priority, quoteKey(sym))
	if err != nil {
		return nil, err
	}

	s.quotes.Set(sym, q, s.quoteTTL)
	return q, nil
}

// Profile returns the company profile for symbol.
func (s *Service) Profile(ctx context.Context, symbol string) (*finnhub.Profile, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	return s.profile(ctx, sym, PriorityProfile)
}

func (s *Service) profile(ctx context.Context, sym string, priority int) (*finnhub.Profile, error) {
	if p, ok := s.profiles.Get(sym); ok {
		return p, nil
	}

	p, err := resilience.Do(ctx, s.governor, func(ctx context.Context) (*finnhub.Profile, error) {
		return s.data.Profile(ctx, sym)
	}, priority, profileKey(sym))
	if err != nil {
		return nil, err
	}

	s.profiles.Set(sym, p, s.profileTTL)
	return p, nil
}

// Candles returns daily or intraday bars covering the last days days.
// Candles are not cached.
func (s *Service) Candles(ctx context.Context, symbol, resolution string, days int) (*finnhub.Candles, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if days <= 0 || days > 365 {
		return nil, fmt.Errorf("%w: days must be within 1..365, got %d", ErrInvalidArgument, days)
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)
	key := fmt.Sprintf("candles:%s:%s:%d", sym, resolution, days)

	return resilience.Do(ctx, s.governor, func(ctx context.Context) (*finnhub.Candles, error) {
		return s.data.Candles(ctx, sym, resolution, from, to)
	}, PriorityCandles, key)
}

// Analyze returns personaID's analysis of symbol. Concurrent requests for
// the same pair share one LLM call.
func (s *Service) Analyze(ctx context.Context, symbol, personaID string) (*Analysis, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if personaID == "" {
		personaID = llm.DefaultPersona
	}
	persona, ok := llm.PersonaByID(personaID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPersona, personaID)
	}
	if s.llm == nil {
		return nil, ErrAnalysisDisabled
	}

	key := persona.ID + ":" + sym
	if a, ok := s.analyses.Get(key); ok {
		return a, nil
	}

	// The flight runs detached from whichever caller started it, so one
	// caller going away does not fail the others.
	ch := s.analyzing.DoChan(key, func() (any, error) {
		if a, ok := s.analyses.Get(key); ok {
			return a, nil
		}
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.analysisTimeout)
		defer cancel()

		a, err := s.analyze(flightCtx, sym, persona)
		if err != nil {
			return nil, err
		}
		s.analyses.Set(key, a, s.analysisTTL)
		return a, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.LogDebug(ctx, "analysis shared with concurrent request", "symbol", sym, "persona", persona.ID)
		}
		return res.Val.(*Analysis), nil
	}
}

func (s *Service) analyze(ctx context.Context, sym string, persona llm.Persona) (*Analysis, error) {
	q, err := s.quote(ctx, sym, PriorityQuote)
	if err != nil {
		return nil, err
	}

	// A missing profile degrades the prompt but does not block the analysis.
	p, err := s.profile(ctx, sym, PriorityProfile)
	if err != nil {
		s.logger.LogWarn(ctx, "profile unavailable for analysis", "symbol", sym, "error", err.Error())
		p = nil
	}

	content, err := s.llm.Complete(ctx, llm.ChatRequest{
		System:      persona.SystemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: buildAnalysisPrompt(sym, q, p)}},
		Temperature: 0.4,
		MaxTokens:   700,
	})
	if err != nil {
		return nil, fmt.Errorf("generate analysis %s/%s: %w", persona.ID, sym, err)
	}

	s.logger.LogInfo(ctx, "analysis generated", "symbol", sym, "persona", persona.ID)

	return &Analysis{
		Symbol:      sym,
		Persona:     persona.ID,
		PersonaName: persona.Name,
		Content:     content,
		Model:       s.llm.Model(),
		Quote:       q,
		Profile:     p,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func buildAnalysisPrompt(sym string, q *finnhub.Quote, p *finnhub.Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze %s.\n\n", sym)
	if p != nil {
		fmt.Fprintf(&b, "Company: %s (%s), industry %s, country %s.\n", p.Name, p.Exchange, p.Industry, p.Country)
		fmt.Fprintf(&b, "Market capitalization: %.0f million %s.\n", p.MarketCap, p.Currency)
	}
	fmt.Fprintf(&b, "Price: %s (change %s, %s%%), open %s, high %s, low %s, previous close %s.\n",
		q.Current.StringFixed(2), q.Change.StringFixed(2), q.PercentChange.StringFixed(2),
		q.Open.StringFixed(2), q.High.StringFixed(2), q.Low.StringFixed(2), q.PreviousClose.StringFixed(2))
	return b.String()
}

// QueueStatus reports the governor state for symbol's pending lookups.
func (s *Service) QueueStatus(symbol string) (QueueStatus, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return QueueStatus{}, err
	}

	status := QueueStatus{
		Symbol:     sym,
		QueueSize:  s.governor.QueueSize(),
		Processing: s.governor.IsProcessing(),
	}
	for _, key := range []string{quoteKey(sym), profileKey(sym)} {
		pos := s.governor.PositionOf(key)
		if pos > 0 && (status.Position == 0 || pos < status.Position) {
			status.Position = pos
		}
	}
	status.Queued = status.Position > 0
	return status, nil
}

// CacheStats returns statistics for every namespace cache.
func (s *Service) CacheStats() []cache.CacheStats {
	return []cache.CacheStats{s.quotes.Stats(), s.profiles.Stats(), s.analyses.Stats()}
}

// AnalysisEnabled reports whether an LLM client is configured.
func (s *Service) AnalysisEnabled() bool {
	return s.llm != nil
}

// Name implements cache.WarmupProvider.
func (s *Service) Name() string {
	return "market-watchlist"
}

// Warmup loads quotes and profiles for the watchlist at low priority, so
// interactive lookups still go first. Every lookup runs even when some fail,
// and the error reports all of the failures.
func (s *Service) Warmup(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(warmConcurrency)

	warm := func(fetch func() error) {
		g.Go(func() error {
			if err := fetch(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	for _, sym := range s.watchlist {
		warm(func() error { _, err := s.quote(ctx, sym, PriorityWarm); return err })
		warm(func() error { _, err := s.profile(ctx, sym, PriorityWarm); return err })
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Close stops the namespace caches.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.quotes.Close()
		s.profiles.Close()
		s.analyses.Close()
	})
}

func quoteKey(sym string) string   { return "quote:" + sym }
func profileKey(sym string) string { return "profile:" + sym }
