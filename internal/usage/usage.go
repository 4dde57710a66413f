// Package usage records one immutable entry per metered call and keeps a
// rolling per-wallet daily aggregate used for statistics and exports.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/zorgspace/slashbot-web/internal/audit"
	"github.com/zorgspace/slashbot-web/internal/cache"
	"github.com/zorgspace/slashbot-web/internal/config"
	"github.com/zorgspace/slashbot-web/internal/logging"
	"github.com/zorgspace/slashbot-web/internal/models"
	"github.com/zorgspace/slashbot-web/internal/tokens"
	"golang.org/x/sync/errgroup"
)

// Period names accepted by Stats.
const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodAll   = "all"
)

const (
	DefaultRetention  = 90 * 24 * time.Hour
	DefaultHistoryCap = 1000
	DefaultPageSize   = 50
	MaxStatsDays      = 90

	maxMergeAttempts = 16
	dayFetchWorkers  = 8
	dayLayout        = "2006-01-02"
)

var (
	ErrInvalidPeriod = errors.New("invalid usage period")
	ErrMergeConflict = errors.New("daily aggregate kept changing during merge")
	ErrMissingWallet = errors.New("wallet address is required")
)

// Estimate is the pre-flight token prediction made before the upstream call.
type Estimate struct {
	Input  int
	Output int
}

// Entry is what a caller knows about a finished call.
type Entry struct {
	WalletAddress  string
	Model          string
	Endpoint       string
	Streaming      bool
	Tokens         models.TokenUsage
	InputBreakdown models.InputBreakdown
	Cost           models.UsageCost
	Estimate       *Estimate
	ProcessingTime time.Duration
	Success        bool
	ErrorCode      string
}

// Accountant persists usage records and daily aggregates in the store.
type Accountant struct {
	store      cache.Store
	retention  time.Duration
	historyCap int64
	sink       audit.Sink
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures an Accountant.
type Option func(*Accountant)

// WithAuditSink mirrors every record to sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(a *Accountant) { a.sink = sink }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Accountant) { a.now = now }
}

// NewAccountant creates an accountant. A nil cfg uses the defaults.
func NewAccountant(store cache.Store, cfg *config.UsageConfig, opts ...Option) *Accountant {
	a := &Accountant{
		store:      store,
		retention:  DefaultRetention,
		historyCap: DefaultHistoryCap,
		sink:       audit.Nop{},
		now:        time.Now,
		logger:     logging.NewLogger("usage"),
	}
	if cfg != nil {
		if cfg.Retention > 0 {
			a.retention = cfg.Retention
		}
		if cfg.HistoryCap > 0 {
			a.historyCap = cfg.HistoryCap
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func recordKey(id string) string { return cache.UsagePrefix + id }
func listKey(wallet string) string { return cache.UsageListPrefix + wallet }
func dailyKey(wallet, day string) string {
	return cache.DailyPrefix + wallet + ":" + day
}

// newID is the millisecond time in base36 plus a short random suffix.
func newID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return strconv.FormatInt(now.UnixMilli(), 36) + "-" + suffix
}

// Record persists the entry, indexes it for the wallet and merges it into
// the day's aggregate.
func (a *Accountant) Record(ctx context.Context, e Entry) (*models.UsageRecord, error) {
	if e.WalletAddress == "" {
		return nil, ErrMissingWallet
	}
	now := a.now()

	rec := models.UsageRecord{
		ID:               newID(now),
		WalletAddress:    e.WalletAddress,
		Timestamp:        now.UnixMilli(),
		Model:            e.Model,
		Endpoint:         e.Endpoint,
		Streaming:        e.Streaming,
		Tokens:           e.Tokens,
		InputBreakdown:   e.InputBreakdown,
		Cost:             e.Cost,
		ProcessingTimeMs: e.ProcessingTime.Milliseconds(),
		Success:          e.Success,
		ErrorCode:        e.ErrorCode,
	}
	if rec.Tokens.Total == 0 {
		rec.Tokens.Total = rec.Tokens.Input + rec.Tokens.Output
	}
	if e.Estimate != nil {
		rec.Estimation = &models.Estimation{
			EstimatedInput:  e.Estimate.Input,
			EstimatedOutput: e.Estimate.Output,
			InputAccuracy:   tokens.Accuracy(e.Estimate.Input, rec.Tokens.Input),
			OutputAccuracy:  tokens.Accuracy(e.Estimate.Output, rec.Tokens.Output),
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal usage record: %w", err)
	}
	if err := a.store.Set(ctx, recordKey(rec.ID), string(data), a.retention); err != nil {
		return nil, fmt.Errorf("store usage record: %w", err)
	}
	if err := a.store.ListPush(ctx, listKey(rec.WalletAddress), rec.ID, a.historyCap, a.retention); err != nil {
		return nil, fmt.Errorf("index usage record: %w", err)
	}
	if err := a.mergeDaily(ctx, &rec, now); err != nil {
		return nil, err
	}

	a.sink.RecordUsage(ctx, rec)

	a.logger.Debug().
		Str("id", rec.ID).
		Str("wallet", logging.MaskWallet(rec.WalletAddress)).
		Str("model", rec.Model).
		Int("tokens", rec.Tokens.Total).
		Int64("credits", rec.Cost.Credits).
		Msg("Usage recorded")
	return &rec, nil
}

// mergeDaily folds rec into the wallet's aggregate for the UTC day using
// an optimistic compare-and-swap loop.
func (a *Accountant) mergeDaily(ctx context.Context, rec *models.UsageRecord, now time.Time) error {
	day := now.UTC().Format(dayLayout)
	key := dailyKey(rec.WalletAddress, day)

	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		raw, ok, err := a.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("load daily stats: %w", err)
		}

		stats := emptyDaily(day, rec.WalletAddress)
		if ok {
			if err := json.Unmarshal([]byte(raw), &stats); err != nil {
				return fmt.Errorf("corrupt daily stats %s: %w", day, err)
			}
			if stats.ByModel == nil {
				stats.ByModel = map[string]models.ModelStats{}
			}
		}
		accumulate(&stats, rec)

		data, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("marshal daily stats: %w", err)
		}

		var written bool
		if ok {
			written, err = a.store.CompareAndSwap(ctx, key, raw, string(data), a.retention)
		} else {
			written, err = a.store.SetNX(ctx, key, string(data), a.retention)
		}
		if err != nil {
			return fmt.Errorf("save daily stats: %w", err)
		}
		if written {
			return nil
		}
	}
	return ErrMergeConflict
}

func emptyDaily(day, wallet string) models.DailyStats {
	return models.DailyStats{
		Date:          day,
		WalletAddress: wallet,
		ByModel:       map[string]models.ModelStats{},
	}
}

func accumulate(s *models.DailyStats, rec *models.UsageRecord) {
	s.TotalRequests++
	if rec.Success {
		s.SuccessfulRequests++
	} else {
		s.FailedRequests++
	}
	s.TotalInputTokens += rec.Tokens.Input
	s.TotalOutputTokens += rec.Tokens.Output
	s.TotalTokens += rec.Tokens.Total
	s.TotalCachedTokens += rec.Tokens.Cached
	s.TotalReasoningTokens += rec.Tokens.Reasoning
	s.TotalCostUSD += rec.Cost.USD
	s.TotalCreditsSpent += rec.Cost.Credits
	s.TotalProcessingTimeMs += rec.ProcessingTimeMs

	m := s.ByModel[rec.Model]
	m.Requests++
	m.InputTokens += rec.Tokens.Input
	m.OutputTokens += rec.Tokens.Output
	m.CostUSD += rec.Cost.USD
	m.Credits += rec.Cost.Credits
	s.ByModel[rec.Model] = m

	if rec.Estimation != nil {
		s.EstimationSamples++
		s.TotalInputAccuracy += rec.Estimation.InputAccuracy
		s.TotalOutputAccuracy += rec.Estimation.OutputAccuracy
	}
}

// PeriodDays maps a period name to the number of days it covers.
func PeriodDays(period string) (int, error) {
	switch period {
	case PeriodDay:
		return 1, nil
	case PeriodWeek:
		return 7, nil
	case PeriodMonth, "":
		return 30, nil
	case PeriodAll:
		return MaxStatsDays, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
}

// loadDays fetches the aggregates of the last n UTC days, newest first.
// Missing days are returned as nil entries.
func (a *Accountant) loadDays(ctx context.Context, wallet string, now time.Time, n int) ([]*models.DailyStats, error) {
	days := make([]*models.DailyStats, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dayFetchWorkers)

	for i := 0; i < n; i++ {
		day := now.UTC().AddDate(0, 0, -i).Format(dayLayout)
		g.Go(func() error {
			raw, ok, err := a.store.Get(gctx, dailyKey(wallet, day))
			if err != nil {
				return fmt.Errorf("load daily stats %s: %w", day, err)
			}
			if !ok {
				return nil
			}
			var s models.DailyStats
			if err := json.Unmarshal([]byte(raw), &s); err != nil {
				a.logger.Warn().Err(err).Str("day", day).Msg("Skipping corrupt daily stats")
				return nil
			}
			days[i] = &s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return days, nil
}

// Stats sums the wallet's daily aggregates over period and derives averages.
func (a *Accountant) Stats(ctx context.Context, wallet, period string) (*models.UsageStats, error) {
	n, err := PeriodDays(period)
	if err != nil {
		return nil, err
	}
	if period == "" {
		period = PeriodMonth
	}
	now := a.now()
	days, err := a.loadDays(ctx, wallet, now, n)
	if err != nil {
		return nil, err
	}
	return aggregate(period, now, days), nil
}

// Summary reports requests, tokens and credits for today, the last 7 days
// and the last 30 days.
func (a *Accountant) Summary(ctx context.Context, wallet string) (*models.UsageSummary, error) {
	now := a.now()
	days, err := a.loadDays(ctx, wallet, now, 30)
	if err != nil {
		return nil, err
	}
	line := func(n int) models.PeriodSummary {
		var p models.PeriodSummary
		for _, d := range days[:n] {
			if d == nil {
				continue
			}
			p.Requests += d.TotalRequests
			p.Tokens += d.TotalTokens
			p.Credits += d.TotalCreditsSpent
		}
		return p
	}
	return &models.UsageSummary{
		Today:     line(1),
		ThisWeek:  line(7),
		ThisMonth: line(30),
	}, nil
}

func aggregate(period string, now time.Time, days []*models.DailyStats) *models.UsageStats {
	out := &models.UsageStats{
		Period:  period,
		EndDate: now.UTC().Format(time.RFC3339),
		ByModel: map[string]models.ModelStats{},
		Daily:   []models.DailyStats{},
	}
	start := now.UTC().AddDate(0, 0, -len(days))
	if period == PeriodDay {
		y, m, d := now.UTC().Date()
		start = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	out.StartDate = start.Format(time.RFC3339)

	var (
		processingMs int64
		samples      int
		inputAccSum  float64
		outputAccSum float64
	)
	for _, d := range days {
		if d == nil {
			continue
		}
		out.TotalRequests += d.TotalRequests
		out.SuccessfulRequests += d.SuccessfulRequests
		out.FailedRequests += d.FailedRequests
		out.TotalInputTokens += d.TotalInputTokens
		out.TotalOutputTokens += d.TotalOutputTokens
		out.TotalTokens += d.TotalTokens
		out.TotalCachedTokens += d.TotalCachedTokens
		out.TotalReasoningTokens += d.TotalReasoningTokens
		out.TotalCostUSD += d.TotalCostUSD
		out.TotalCreditsSpent += d.TotalCreditsSpent
		processingMs += d.TotalProcessingTimeMs
		samples += d.EstimationSamples
		inputAccSum += d.TotalInputAccuracy
		outputAccSum += d.TotalOutputAccuracy

		for model, ms := range d.ByModel {
			agg := out.ByModel[model]
			agg.Requests += ms.Requests
			agg.InputTokens += ms.InputTokens
			agg.OutputTokens += ms.OutputTokens
			agg.CostUSD += ms.CostUSD
			agg.Credits += ms.Credits
			out.ByModel[model] = agg
		}
		out.Daily = append(out.Daily, *d)
	}
	sort.Slice(out.Daily, func(i, j int) bool { return out.Daily[i].Date < out.Daily[j].Date })

	out.TotalCostUSD = round(out.TotalCostUSD, 4)
	for model, ms := range out.ByModel {
		ms.CostUSD = round(ms.CostUSD, 6)
		out.ByModel[model] = ms
	}

	reqs := max(out.TotalRequests, 1)
	out.AvgInputTokens = int(math.Round(float64(out.TotalInputTokens) / float64(reqs)))
	out.AvgOutputTokens = int(math.Round(float64(out.TotalOutputTokens) / float64(reqs)))
	out.AvgCostCredits = round(float64(out.TotalCreditsSpent)/float64(reqs), 2)
	out.AvgProcessingTimeMs = int64(math.Round(float64(processingMs) / float64(reqs)))
	if samples > 0 {
		out.AvgInputAccuracy = round(inputAccSum/float64(samples), 2)
		out.AvgOutputAccuracy = round(outputAccSum/float64(samples), 2)
	}
	return out
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// History returns a page of the wallet's records, newest first, plus the
// number of records still indexed. Records that already expired are skipped.
func (a *Accountant) History(ctx context.Context, wallet string, limit, offset int) ([]models.UsageRecord, int64, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	offset = max(offset, 0)

	total, err := a.store.ListLen(ctx, listKey(wallet))
	if err != nil {
		return nil, 0, fmt.Errorf("count usage records: %w", err)
	}
	if total == 0 || int64(offset) >= total {
		return []models.UsageRecord{}, total, nil
	}

	ids, err := a.store.ListRange(ctx, listKey(wallet), int64(offset), int64(offset+limit-1))
	if err != nil {
		return nil, 0, fmt.Errorf("list usage records: %w", err)
	}

	records := make([]models.UsageRecord, 0, len(ids))
	for _, id := range ids {
		raw, ok, err := a.store.Get(ctx, recordKey(id))
		if err != nil {
			return nil, 0, fmt.Errorf("load usage record %s: %w", id, err)
		}
		if !ok {
			continue
		}
		var rec models.UsageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			a.logger.Warn().Err(err).Str("id", id).Msg("Skipping corrupt usage record")
			continue
		}
		records = append(records, rec)
	}
	return records, total, nil
}
