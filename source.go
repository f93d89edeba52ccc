package sweep

import (
	"context"
	"errors"
	"fmt"

	"github.com/openkcm/common-sdk/pkg/logger"

	slogctx "github.com/veqryn/slog-context"
)

var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrInvalidOperation  = errors.New("invalid source operation")
	ErrFetcherNotSet     = errors.New("fetcher not set")
)

type (
	// PagedSource reads a paginated store item by item.
	//
	// A PagedSource belongs to a single execution. It buffers the page it
	// fetched last and serves it again for as long as the cursor stays on that
	// page. The buffer is evicted as soon as the cursor crosses the page
	// boundary, so every page is fetched at most once per execution and a page
	// followed by a marker always leads to a fetch of the next page.
	PagedSource[T any] struct {
		fetcher   Fetcher[T]
		operation Operation
		buffer    pageBuffer[T]
	}

	// Step is the item addressed by a cursor together with the cursor that
	// addresses the item after it.
	Step[T any] struct {
		Item T
		// At is the position of Item. It differs from the requested cursor
		// when empty pages were skipped to reach the item.
		At Cursor
		// Next is the position after Item.
		Next Cursor
		// Exhausted is set when no item is left. Item is the zero value then.
		Exhausted bool
	}

	pageBuffer[T any] struct {
		marker string
		page   Page[T]
		loaded bool
	}
)

// NewPagedSource creates a PagedSource reading through the given fetcher.
func NewPagedSource[T any](operation Operation, fetcher Fetcher[T]) (*PagedSource[T], error) {
	if !operation.isValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, operation)
	}
	if fetcher == nil {
		return nil, ErrFetcherNotSet
	}
	return &PagedSource[T]{
		fetcher:   fetcher,
		operation: operation,
	}, nil
}

// Operation returns the operation the source was created with.
func (s *PagedSource[T]) Operation() Operation {
	return s.operation
}

// FetchPage returns the page addressed by the cursor marker. It serves the
// buffered page if it was fetched for the same marker.
func (s *PagedSource[T]) FetchPage(ctx context.Context, cursor Cursor) (Page[T], error) {
	if s.buffer.loaded && s.buffer.marker == cursor.Marker {
		return s.buffer.page, nil
	}

	slogctx.Log(ctx, logger.LevelTrace, "fetching page", "marker", cursor.Marker, "operation", s.operation)
	page, err := s.fetcher.Fetch(ctx, FetchRequest{
		Operation:  s.operation,
		StartAfter: cursor.Marker,
	})
	if err != nil {
		return Page[T]{}, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	s.buffer = pageBuffer[T]{
		marker: cursor.Marker,
		page:   page,
		loaded: true,
	}
	return page, nil
}

// Next returns the item addressed by the cursor. Pages without items that are
// followed by a marker are skipped.
func (s *PagedSource[T]) Next(ctx context.Context, cursor Cursor) (Step[T], error) {
	if err := cursor.validate(); err != nil {
		return Step[T]{}, err
	}

	for {
		page, err := s.FetchPage(ctx, cursor)
		if err != nil {
			return Step[T]{}, err
		}

		if cursor.Index < len(page.Items) {
			return Step[T]{
				Item: page.Items[cursor.Index],
				At:   cursor,
				Next: s.advance(cursor, page),
			}, nil
		}

		if !page.HasMore() {
			return Step[T]{At: cursor, Next: cursor, Exhausted: true}, nil
		}

		s.evict()
		cursor = Cursor{Marker: page.NextMarker}
	}
}

// advance moves the cursor past the item it addresses. Past the last item of
// a page followed by a marker the cursor rolls over to the next page and the
// buffer is evicted.
func (s *PagedSource[T]) advance(cursor Cursor, page Page[T]) Cursor {
	next := cursor.Index + 1
	if next < len(page.Items) || !page.HasMore() {
		return Cursor{Marker: cursor.Marker, Index: next}
	}
	s.evict()
	return Cursor{Marker: page.NextMarker}
}

func (s *PagedSource[T]) evict() {
	s.buffer = pageBuffer[T]{}
}
