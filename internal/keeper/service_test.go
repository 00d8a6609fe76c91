package keeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coldbell/dex/bundler/internal/bundle"
	"github.com/coldbell/dex/bundler/internal/chain"
	"github.com/coldbell/dex/bundler/internal/logging"
	"github.com/coldbell/dex/bundler/internal/mango"
	"github.com/coldbell/dex/bundler/internal/store"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func newKeys(t *testing.T, n int) []solana.PublicKey {
	t.Helper()
	keys := make([]solana.PublicKey, n)
	for i := range keys {
		keys[i] = newKey(t).PublicKey()
	}
	return keys
}

type staticSource struct {
	targets Targets
	err     error
}

func (s staticSource) Targets(context.Context) (Targets, error) {
	return s.targets, s.err
}

type recordingSubmitter struct {
	mu      sync.Mutex
	bundles []bundle.Bundle
	failOn  map[solana.PublicKey]bool
}

func (s *recordingSubmitter) Submit(_ context.Context, b bundle.Bundle) (solana.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles = append(s.bundles, b)
	for _, meta := range b.Instructions[0].Accounts() {
		if s.failOn[meta.PublicKey] {
			return solana.Signature{}, errors.New("transaction simulation failed")
		}
	}
	return solana.Signature{1}, nil
}

func (s *recordingSubmitter) submitted() []bundle.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bundle.Bundle(nil), s.bundles...)
}

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

type memoryJournal struct {
	mu      sync.Mutex
	batches []store.BatchRecord
	windows map[string]time.Time
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{windows: make(map[string]time.Time)}
}

func (j *memoryJournal) RecordTick(_ context.Context, batches []store.BatchRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.batches = append(j.batches, batches...)
	return nil
}

func (j *memoryJournal) SaveWindow(_ context.Context, kind string, lastRefresh time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.windows[kind] = lastRefresh
	return nil
}

func (j *memoryJournal) LoadWindow(_ context.Context, kind string) (time.Time, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	last, ok := j.windows[kind]
	return last, ok, nil
}

type harness struct {
	targets   Targets
	submitter *recordingSubmitter
	clock     *fixedClock
	journal   *memoryJournal
	signer    solana.PrivateKey
	service   *Service
}

func newHarness(t *testing.T, banks, oracles, perps int) *harness {
	t.Helper()
	h := &harness{
		targets: Targets{
			ProgramID:   newKey(t).PublicKey(),
			Group:       newKey(t).PublicKey(),
			Cache:       newKey(t).PublicKey(),
			RootBanks:   newKeys(t, banks),
			Oracles:     newKeys(t, oracles),
			PerpMarkets: newKeys(t, perps),
		},
		submitter: &recordingSubmitter{failOn: make(map[solana.PublicKey]bool)},
		clock:     &fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		journal:   newMemoryJournal(),
		signer:    newKey(t),
	}
	h.service = New(
		Config{BankRefreshInterval: 5 * time.Second, Concurrency: 3},
		staticSource{targets: h.targets},
		h.submitter,
		h.signer,
		logging.Discard(),
		WithClock(h.clock),
		WithJournal(h.journal),
	)
	return h
}

func countKind(report Report, kind Kind) int {
	n := 0
	for _, result := range report.Batches {
		if result.Batch.Kind == kind {
			n++
		}
	}
	return n
}

func TestPartitionSizes(t *testing.T) {
	for _, tc := range []struct {
		n, size, want int
	}{
		{n: 0, size: 8, want: 0},
		{n: 1, size: 8, want: 1},
		{n: 8, size: 8, want: 1},
		{n: 9, size: 8, want: 2},
		{n: 17, size: 8, want: 3},
		{n: 17, size: 0, want: 3},
		{n: 17, size: 20, want: 3},
		{n: 17, size: 4, want: 5},
	} {
		targets := make([]solana.PublicKey, tc.n)
		batches := Partition(KindPrices, targets, tc.size)
		assert.Len(t, batches, tc.want, "n=%d size=%d", tc.n, tc.size)
		total := 0
		for i, batch := range batches {
			assert.Equal(t, i, batch.Index)
			assert.LessOrEqual(t, len(batch.Targets), MaxBatchSize)
			total += len(batch.Targets)
		}
		assert.Equal(t, tc.n, total)
	}
}

func TestPartitionKeepsOrder(t *testing.T) {
	targets := newKeys(t, 10)

	batches := Partition(KindRootBanks, targets, 8)

	require.Len(t, batches, 2)
	assert.Equal(t, targets[:8], batches[0].Targets)
	assert.Equal(t, targets[8:], batches[1].Targets)
	assert.Equal(t, KindRootBanks, batches[1].Kind)
}

func TestStalenessWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	window := StalenessWindow{Kind: KindRootBanks, Interval: 5 * time.Second}

	assert.True(t, window.Due(now))
	advanced := window.Advance(now)
	assert.False(t, advanced.Due(now.Add(4*time.Second)))
	assert.True(t, advanced.Due(now.Add(5*time.Second)))
	assert.True(t, window.LastRefresh.IsZero())
}

func TestRunTickDispatchesOneBundlePerBatch(t *testing.T) {
	h := newHarness(t, 17, 3, 2)

	report, err := h.service.RunTick(context.Background(), StalenessWindow{Interval: 5 * time.Second})

	require.NoError(t, err)
	assert.Equal(t, 3, countKind(report, KindRootBanks))
	assert.Equal(t, 1, countKind(report, KindPrices))
	assert.Equal(t, 1, countKind(report, KindPerpMarkets))
	assert.Zero(t, report.Failed())
	assert.Equal(t, h.clock.now, report.Window.LastRefresh)

	submitted := h.submitter.submitted()
	require.Len(t, submitted, 5)
	for _, b := range submitted {
		require.Len(t, b.Instructions, 1)
		primary, ok := b.Primary()
		require.True(t, ok)
		assert.Equal(t, h.signer.PublicKey(), primary.PublicKey)
		assert.True(t, primary.HasKey())
		assert.Equal(t, h.targets.ProgramID, b.Instructions[0].ProgramID())
	}
}

func TestFailedBankBatchHoldsWindowButOthersComplete(t *testing.T) {
	h := newHarness(t, 17, 3, 0)
	h.submitter.failOn[h.targets.RootBanks[9]] = true
	window := StalenessWindow{Interval: 5 * time.Second}

	report, err := h.service.RunTick(context.Background(), window)

	require.NoError(t, err)
	assert.Len(t, h.submitter.submitted(), 4)
	assert.Equal(t, 1, report.Failed())
	for _, result := range report.Batches {
		if result.Batch.Kind == KindRootBanks && result.Batch.Index == 1 {
			assert.Error(t, result.Err)
			continue
		}
		assert.NoError(t, result.Err, "%s #%d", result.Batch.Kind, result.Batch.Index)
	}
	assert.True(t, report.Window.LastRefresh.IsZero())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.service.Metrics().batches.WithLabelValues(string(KindRootBanks), "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.service.Metrics().batches.WithLabelValues(string(KindPrices), "ok")))
}

func TestFreshWindowSkipsBankBatches(t *testing.T) {
	h := newHarness(t, 17, 3, 1)
	window := StalenessWindow{Interval: 5 * time.Second, LastRefresh: h.clock.now.Add(-time.Second)}

	report, err := h.service.RunTick(context.Background(), window)

	require.NoError(t, err)
	assert.Zero(t, countKind(report, KindRootBanks))
	assert.Equal(t, 2, len(report.Batches))
	assert.Equal(t, window, report.Window)
}

func TestRunTickEnumerationFailure(t *testing.T) {
	h := newHarness(t, 0, 0, 0)
	h.service.source = staticSource{err: errors.New("group not found")}
	window := StalenessWindow{Interval: time.Second}

	report, err := h.service.RunTick(context.Background(), window)

	assert.ErrorContains(t, err, "group not found")
	assert.Equal(t, window, report.Window)
	assert.Empty(t, h.submitter.submitted())
}

func TestRefreshAdvancesAndPersistsWindow(t *testing.T) {
	h := newHarness(t, 2, 1, 0)

	require.NoError(t, h.service.Refresh(context.Background()))
	assert.Len(t, h.submitter.submitted(), 2)
	assert.Equal(t, h.clock.now, h.journal.windows[string(KindRootBanks)])
	assert.Len(t, h.journal.batches, 2)

	// Inside the window only prices go out.
	h.clock.now = h.clock.now.Add(time.Second)
	require.NoError(t, h.service.Refresh(context.Background()))
	assert.Len(t, h.submitter.submitted(), 3)

	h.clock.now = h.clock.now.Add(5 * time.Second)
	require.NoError(t, h.service.Refresh(context.Background()))
	assert.Len(t, h.submitter.submitted(), 5)
}

func TestRefreshReportsFailedBatches(t *testing.T) {
	h := newHarness(t, 1, 1, 0)
	h.submitter.failOn[h.targets.Oracles[0]] = true

	err := h.service.Refresh(context.Background())

	assert.ErrorIs(t, err, ErrBatchesFailed)
	require.Len(t, h.journal.batches, 2)
	var failed store.BatchRecord
	for _, rec := range h.journal.batches {
		if rec.Kind == string(KindPrices) {
			failed = rec
		}
	}
	assert.Contains(t, failed.Error, "simulation failed")
	assert.Empty(t, failed.Signature)
}

func TestRestoreSeedsWindowFromJournal(t *testing.T) {
	h := newHarness(t, 3, 0, 0)
	h.journal.windows[string(KindRootBanks)] = h.clock.now.Add(-2 * time.Second)

	require.NoError(t, h.service.Restore(context.Background()))
	require.NoError(t, h.service.Refresh(context.Background()))

	assert.Empty(t, h.submitter.submitted())
}

type groupReader struct {
	data []byte
}

func (r groupReader) AccountData(context.Context, solana.PublicKey) ([]byte, error) {
	return r.data, nil
}

func (r groupReader) ProgramAccounts(context.Context, solana.PublicKey, []rpc.RPCFilter) ([]chain.KeyedAccount, error) {
	return nil, nil
}

func TestMangoSourceEnumeratesGroup(t *testing.T) {
	var layout mango.GroupLayout
	layout.Cache = newKey(t).PublicKey()
	layout.NumOracles = 1
	layout.Oracles[0] = newKey(t).PublicKey()
	layout.Tokens[0].RootBank = newKey(t).PublicKey()
	layout.PerpMarkets[0].PerpMarket = newKey(t).PublicKey()
	data, err := bin.MarshalBin(&layout)
	require.NoError(t, err)

	program, group := newKey(t).PublicKey(), newKey(t).PublicKey()
	targets, err := NewMangoSource(mango.NewClient(program, group, groupReader{data: data})).Targets(context.Background())

	require.NoError(t, err)
	assert.Equal(t, program, targets.ProgramID)
	assert.Equal(t, group, targets.Group)
	assert.Equal(t, layout.Cache, targets.Cache)
	assert.Equal(t, []solana.PublicKey{layout.Tokens[0].RootBank}, targets.RootBanks)
	assert.Equal(t, []solana.PublicKey{layout.Oracles[0]}, targets.Oracles)
	assert.Equal(t, []solana.PublicKey{layout.PerpMarkets[0].PerpMarket}, targets.PerpMarkets)
}
