package sweep

import (
	"context"
	"math"
	"time"
)

// DefaultTimeNeededToRecurse is the safety margin kept free for handing off
// to the next execution before the hard deadline hits.
const DefaultTimeNeededToRecurse = 5 * time.Second

type (
	// Budget reports the time left in the current execution.
	Budget interface {
		Remaining() time.Duration
	}

	// BudgetFunc adapts a function to the Budget interface.
	BudgetFunc func() time.Duration

	// ContinuePredicate decides after every processed item whether the
	// processor keeps going. It receives the cursor of the next item.
	ContinuePredicate func(cursor Cursor) bool
)

// Remaining implements Budget.
func (f BudgetFunc) Remaining() time.Duration {
	return f()
}

// DeadlineBudget returns a Budget counting down to the given deadline.
func DeadlineBudget(deadline time.Time) Budget {
	return BudgetFunc(func() time.Duration {
		return time.Until(deadline)
	})
}

// ContextBudget returns a Budget counting down to the context deadline.
// A context without deadline has unlimited budget.
func ContextBudget(ctx context.Context) Budget {
	deadline, ok := ctx.Deadline()
	if !ok {
		return BudgetFunc(func() time.Duration {
			return time.Duration(math.MaxInt64)
		})
	}
	return DeadlineBudget(deadline)
}

// RemainingAbove continues while the budget has more than margin left.
func RemainingAbove(budget Budget, margin time.Duration) ContinuePredicate {
	return func(Cursor) bool {
		return budget.Remaining() > margin
	}
}

// ItemLimit continues for n-1 calls and stops on the n-th, which caps a run
// at n processed items. The returned predicate is stateful and must not be
// shared between runs.
func ItemLimit(n int) ContinuePredicate {
	calls := 0
	return func(Cursor) bool {
		calls++
		return calls < n
	}
}

// AllOf continues while every predicate continues.
func AllOf(predicates ...ContinuePredicate) ContinuePredicate {
	return func(cursor Cursor) bool {
		for _, p := range predicates {
			if !p(cursor) {
				return false
			}
		}
		return true
	}
}
