package fifo

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AvailabilityCache caches the available quantity of a position. The engine
// invalidates entries inside the transaction that changes them, while the
// position lock is held, and fills misses under the same lock.
type AvailabilityCache interface {
	Get(ctx context.Context, key PairKey) (decimal.Decimal, bool, error)
	Set(ctx context.Context, key PairKey, qty decimal.Decimal) error
	Invalidate(ctx context.Context, keys ...PairKey) error
}

// Observer receives engine outcomes for metrics.
type Observer interface {
	EventApplied(kind Kind)
	EventReversed(kind Kind)
	EventEdited(kind Kind)
	Allocated(records int, qty decimal.Decimal)
	InsufficientInventory(pair PairKey)
	ConsistencyFault(op string)
	RebuildCompleted(report RebuildReport, elapsed time.Duration)
	VerifyCompleted(report VerifyReport, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) EventApplied(Kind) {}
func (nopObserver) EventReversed(Kind) {}
func (nopObserver) EventEdited(Kind) {}
func (nopObserver) Allocated(int, decimal.Decimal) {}
func (nopObserver) InsufficientInventory(PairKey) {}
func (nopObserver) ConsistencyFault(string) {}
func (nopObserver) RebuildCompleted(RebuildReport, time.Duration) {}
func (nopObserver) VerifyCompleted(VerifyReport, time.Duration) {}
