package sweep

import (
	"context"
)

// Possible source operations.
const (
	// OperationEnumerate walks every item of the source.
	OperationEnumerate Operation = "ENUMERATE"
	// OperationFilter walks only the items matching the conditions the fetcher was built with.
	OperationFilter Operation = "FILTER"
)

type (
	// Operation selects between a full scan and a conditioned query of the underlying store.
	// Both return pages in the same shape.
	Operation string

	// Page is one fetched batch of items and the marker of the page that follows it.
	Page[T any] struct {
		Items []T
		// NextMarker is empty when no page follows.
		NextMarker string
	}

	// FetchRequest describes a single physical page read.
	FetchRequest struct {
		Operation Operation
		// StartAfter is the marker to resume after. Empty reads the first page.
		StartAfter string
	}

	// Fetcher is the client of a paginated store.
	Fetcher[T any] interface {
		Fetch(ctx context.Context, req FetchRequest) (Page[T], error)
	}

	// FetchFunc adapts a function to the Fetcher interface.
	FetchFunc[T any] func(ctx context.Context, req FetchRequest) (Page[T], error)
)

// Fetch implements Fetcher.
func (f FetchFunc[T]) Fetch(ctx context.Context, req FetchRequest) (Page[T], error) {
	return f(ctx, req)
}

// HasMore reports whether another page follows this one.
func (p Page[T]) HasMore() bool {
	return p.NextMarker != ""
}

func (o Operation) isValid() bool {
	return o == OperationEnumerate || o == OperationFilter
}
