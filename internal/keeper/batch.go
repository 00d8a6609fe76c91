package keeper

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// MaxBatchSize is the most cache targets one refresh instruction may carry.
const MaxBatchSize = 8

type Kind string

const (
	KindRootBanks   Kind = "root_banks"
	KindPrices      Kind = "prices"
	KindPerpMarkets Kind = "perp_markets"
)

type Batch struct {
	Kind    Kind
	Index   int
	Targets []solana.PublicKey
}

// Partition splits targets into ceil(len/size) batches in input order. A
// size outside (0, MaxBatchSize] is clamped to MaxBatchSize.
func Partition(kind Kind, targets []solana.PublicKey, size int) []Batch {
	if size <= 0 || size > MaxBatchSize {
		size = MaxBatchSize
	}
	if len(targets) == 0 {
		return nil
	}
	batches := make([]Batch, 0, (len(targets)+size-1)/size)
	for start := 0; start < len(targets); start += size {
		end := min(start+size, len(targets))
		batches = append(batches, Batch{
			Kind:    kind,
			Index:   len(batches),
			Targets: targets[start:end:end],
		})
	}
	return batches
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// StalenessWindow gates how often a kind of cache is refreshed.
type StalenessWindow struct {
	Kind        Kind
	Interval    time.Duration
	LastRefresh time.Time
}

// Due reports whether the cache must be refreshed at now. A window that has
// never been refreshed is always due.
func (w StalenessWindow) Due(now time.Time) bool {
	return w.LastRefresh.IsZero() || now.Sub(w.LastRefresh) >= w.Interval
}

func (w StalenessWindow) Advance(now time.Time) StalenessWindow {
	w.LastRefresh = now
	return w
}
