// Package keeper keeps the margin program's price, interest and funding
// caches fresh by dispatching batched refresh bundles.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coldbell/dex/bundler/internal/bundle"
	"github.com/coldbell/dex/bundler/internal/mango"
	"github.com/coldbell/dex/bundler/internal/store"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBankRefreshInterval = 5 * time.Second
	defaultPollInterval        = 10 * time.Second
	defaultConcurrency         = 4
)

var ErrBatchesFailed = errors.New("keeper batches failed")

// Targets is one enumeration of everything the keeper refreshes.
type Targets struct {
	ProgramID   solana.PublicKey
	Group       solana.PublicKey
	Cache       solana.PublicKey
	RootBanks   []solana.PublicKey
	Oracles     []solana.PublicKey
	PerpMarkets []solana.PublicKey
}

type TargetSource interface {
	Targets(ctx context.Context) (Targets, error)
}

type Submitter interface {
	Submit(ctx context.Context, b bundle.Bundle) (solana.Signature, error)
}

type Journal interface {
	RecordTick(ctx context.Context, batches []store.BatchRecord) error
	SaveWindow(ctx context.Context, kind string, lastRefresh time.Time) error
	LoadWindow(ctx context.Context, kind string) (time.Time, bool, error)
}

// MangoSource enumerates refresh targets from the configured margin group.
type MangoSource struct {
	client *mango.Client
}

func NewMangoSource(client *mango.Client) *MangoSource {
	return &MangoSource{client: client}
}

func (s *MangoSource) Targets(ctx context.Context) (Targets, error) {
	group, err := s.client.LoadGroup(ctx)
	if err != nil {
		return Targets{}, err
	}
	return Targets{
		ProgramID:   s.client.ProgramID,
		Group:       group.Address,
		Cache:       group.Cache,
		RootBanks:   group.RootBanks(),
		Oracles:     group.ActiveOracles(),
		PerpMarkets: group.PerpMarketKeys(),
	}, nil
}

type Config struct {
	PollInterval        time.Duration
	BankRefreshInterval time.Duration
	BatchSize           int
	Concurrency         int
}

type BatchResult struct {
	Batch     Batch
	Signature solana.Signature
	Err       error
}

type Report struct {
	TickID  uuid.UUID
	Batches []BatchResult
	// Window is the staleness window to pass to the next tick.
	Window StalenessWindow
}

func (r Report) Failed() int {
	failed := 0
	for _, result := range r.Batches {
		if result.Err != nil {
			failed++
		}
	}
	return failed
}

type Option func(*Service)

func WithJournal(journal Journal) Option {
	return func(s *Service) { s.journal = journal }
}

func WithMetrics(metrics *Metrics) Option {
	return func(s *Service) { s.metrics = metrics }
}

func WithClock(clock Clock) Option {
	return func(s *Service) { s.clock = clock }
}

type Service struct {
	cfg       Config
	source    TargetSource
	submitter Submitter
	signer    solana.PrivateKey
	journal   Journal
	metrics   *Metrics
	clock     Clock
	logger    *slog.Logger

	mu     sync.Mutex
	window StalenessWindow
}

func New(cfg Config, source TargetSource, submitter Submitter, signer solana.PrivateKey, logger *slog.Logger, opts ...Option) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BankRefreshInterval <= 0 {
		cfg.BankRefreshInterval = DefaultBankRefreshInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	s := &Service{
		cfg:       cfg,
		source:    source,
		submitter: submitter,
		signer:    signer,
		metrics:   NewMetrics(""),
		clock:     systemClock{},
		logger:    logger,
		window:    StalenessWindow{Kind: KindRootBanks, Interval: cfg.BankRefreshInterval},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Restore seeds the bank staleness window from the journal.
func (s *Service) Restore(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	last, ok, err := s.journal.LoadWindow(ctx, string(KindRootBanks))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.window.LastRefresh = last
	s.mu.Unlock()
	s.logger.Info("restored bank refresh window", "last_refresh", last)
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started",
		"keeper", s.signer.PublicKey(),
		"poll_interval", s.cfg.PollInterval,
		"bank_refresh_interval", s.cfg.BankRefreshInterval,
		"concurrency", s.cfg.Concurrency,
	)

	if err := s.Restore(ctx); err != nil {
		s.logger.Warn("restore bank refresh window failed", "err", err)
	}

	if err := s.Refresh(ctx); err != nil {
		s.logger.Error("keeper tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Error("keeper tick failed", "err", err)
			}
		}
	}
}

// Refresh runs one tick against the service's own window. Ticks are
// serialized; a caller arriving mid-tick waits for it to finish.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.window.LastRefresh
	report, err := s.RunTick(ctx, s.window)
	s.window = report.Window
	if err != nil {
		return err
	}

	if s.journal != nil && !s.window.LastRefresh.Equal(previous) {
		if err := s.journal.SaveWindow(ctx, string(KindRootBanks), s.window.LastRefresh); err != nil {
			s.logger.Warn("save bank refresh window failed", "err", err)
		}
	}
	if failed := report.Failed(); failed > 0 {
		return fmt.Errorf("%w: %d of %d in tick %s", ErrBatchesFailed, failed, len(report.Batches), report.TickID)
	}
	return nil
}

// RunTick enumerates targets, dispatches one bundle per batch concurrently
// and joins them. Batch failures are reported, never retried. The returned
// window advances only when every bank batch of this tick succeeded.
func (s *Service) RunTick(ctx context.Context, window StalenessWindow) (Report, error) {
	started := s.clock.Now()
	report := Report{TickID: uuid.New(), Window: window}

	targets, err := s.source.Targets(ctx)
	if err != nil {
		s.metrics.RecordTick(s.clock.Now().Sub(started), err)
		return report, fmt.Errorf("enumerate keeper targets: %w", err)
	}
	s.metrics.RecordTargets(KindRootBanks, len(targets.RootBanks))
	s.metrics.RecordTargets(KindPrices, len(targets.Oracles))
	s.metrics.RecordTargets(KindPerpMarkets, len(targets.PerpMarkets))

	banksDue := window.Due(started)
	var batches []Batch
	if banksDue {
		batches = append(batches, Partition(KindRootBanks, targets.RootBanks, s.cfg.BatchSize)...)
	}
	batches = append(batches, Partition(KindPrices, targets.Oracles, s.cfg.BatchSize)...)
	batches = append(batches, Partition(KindPerpMarkets, targets.PerpMarkets, s.cfg.BatchSize)...)

	report.Batches = make([]BatchResult, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, batch := range batches {
		g.Go(func() error {
			report.Batches[i] = s.dispatch(gctx, targets, batch)
			return nil
		})
	}
	_ = g.Wait()

	bankFailures := 0
	for _, result := range report.Batches {
		s.metrics.RecordBatch(result.Batch.Kind, result.Err)
		if result.Err != nil {
			if result.Batch.Kind == KindRootBanks {
				bankFailures++
			}
			s.logger.Warn("keeper batch failed",
				"tick", report.TickID,
				"kind", result.Batch.Kind,
				"batch", result.Batch.Index,
				"targets", len(result.Batch.Targets),
				"err", result.Err,
			)
		}
	}
	if banksDue && bankFailures == 0 {
		report.Window = window.Advance(started)
		s.metrics.RecordBankRefresh(started)
	}

	s.journalTick(ctx, report, started)

	elapsed := s.clock.Now().Sub(started)
	s.metrics.RecordTick(elapsed, nil)
	s.logger.Info("keeper tick done",
		"tick", report.TickID,
		"batches", len(report.Batches),
		"failed", report.Failed(),
		"banks_refreshed", banksDue && bankFailures == 0,
		"elapsed", elapsed,
	)
	return report, nil
}

func (s *Service) dispatch(ctx context.Context, targets Targets, batch Batch) BatchResult {
	var ix solana.Instruction
	switch batch.Kind {
	case KindRootBanks:
		ix = mango.NewCacheRootBanksInstruction(targets.ProgramID, targets.Group, targets.Cache, batch.Targets)
	case KindPrices:
		ix = mango.NewCachePricesInstruction(targets.ProgramID, targets.Group, targets.Cache, batch.Targets)
	case KindPerpMarkets:
		ix = mango.NewCachePerpMarketsInstruction(targets.ProgramID, targets.Group, targets.Cache, batch.Targets)
	default:
		return BatchResult{Batch: batch, Err: fmt.Errorf("unknown batch kind %q", batch.Kind)}
	}

	b := bundle.New([]solana.Instruction{ix}).WithPrimary(bundle.KeySigner(s.signer))
	sig, err := s.submitter.Submit(ctx, b)
	return BatchResult{Batch: batch, Signature: sig, Err: err}
}

func (s *Service) journalTick(ctx context.Context, report Report, at time.Time) {
	if s.journal == nil || len(report.Batches) == 0 {
		return
	}
	records := make([]store.BatchRecord, len(report.Batches))
	for i, result := range report.Batches {
		rec := store.BatchRecord{
			TickID:       report.TickID.String(),
			Kind:         string(result.Batch.Kind),
			BatchIndex:   result.Batch.Index,
			TargetCount:  len(result.Batch.Targets),
			DispatchedAt: at,
		}
		if result.Err != nil {
			rec.Error = result.Err.Error()
		} else {
			rec.Signature = result.Signature.String()
		}
		records[i] = rec
	}
	if err := s.journal.RecordTick(ctx, records); err != nil {
		s.logger.Warn("journal keeper tick failed", "tick", report.TickID, "err", err)
	}
}
