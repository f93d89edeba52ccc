// Package sourcetest provides an in-memory paginated store for testing sweeps.
package sourcetest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/openkcm/sweep"
)

var ErrUnknownMarker = errors.New("unknown page marker")

type (
	// Fetcher serves fixed pages. Page i is addressed by the marker "p<i>",
	// the first page by the empty marker.
	Fetcher[T any] struct {
		pages  []sweep.Page[T]
		filter func(T) bool

		mu      sync.Mutex
		fetches []sweep.FetchRequest
		faults  map[string]error
	}

	// Option configures a Fetcher.
	Option[T any] func(*Fetcher[T])
)

var _ sweep.Fetcher[int] = &Fetcher[int]{}

// WithFilter sets the condition the FILTER operation applies to every page.
// Items not matching are dropped, so pages may come back empty.
func WithFilter[T any](fn func(T) bool) Option[T] {
	return func(f *Fetcher[T]) {
		f.filter = fn
	}
}

// NewFetcher creates a Fetcher serving one page per slice of items.
func NewFetcher[T any](pages [][]T, opts ...Option[T]) *Fetcher[T] {
	f := &Fetcher[T]{faults: map[string]error{}}
	for i, items := range pages {
		page := sweep.Page[T]{Items: items}
		if i < len(pages)-1 {
			page.NextMarker = Marker(i + 1)
		}
		f.pages = append(f.pages, page)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Marker returns the marker addressing page i.
func Marker(i int) string {
	if i == 0 {
		return ""
	}
	return "p" + strconv.Itoa(i)
}

// FailAt makes every fetch of the page addressed by marker fail with err.
// A nil err clears the fault.
func (f *Fetcher[T]) FailAt(marker string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.faults, marker)
		return
	}
	f.faults[marker] = err
}

// Fetch implements sweep.Fetcher.
func (f *Fetcher[T]) Fetch(_ context.Context, req sweep.FetchRequest) (sweep.Page[T], error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, req)
	err := f.faults[req.StartAfter]
	f.mu.Unlock()
	if err != nil {
		return sweep.Page[T]{}, err
	}

	i, err := index(req.StartAfter)
	if err != nil || i >= len(f.pages) {
		if len(f.pages) == 0 && req.StartAfter == "" {
			return sweep.Page[T]{}, nil
		}
		return sweep.Page[T]{}, fmt.Errorf("%w: %q", ErrUnknownMarker, req.StartAfter)
	}

	page := f.pages[i]
	if req.Operation == sweep.OperationFilter && f.filter != nil {
		items := make([]T, 0, len(page.Items))
		for _, item := range page.Items {
			if f.filter(item) {
				items = append(items, item)
			}
		}
		page.Items = items
	}
	return page, nil
}

// Fetches returns every request served so far.
func (f *Fetcher[T]) Fetches() []sweep.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sweep.FetchRequest, len(f.fetches))
	copy(out, f.fetches)
	return out
}

// FetchCount returns how often the page addressed by marker was fetched.
func (f *Fetcher[T]) FetchCount(marker string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.fetches {
		if req.StartAfter == marker {
			n++
		}
	}
	return n
}

// Reset forgets the recorded fetches.
func (f *Fetcher[T]) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = nil
}

func index(marker string) (int, error) {
	if marker == "" {
		return 0, nil
	}
	if len(marker) < 2 || marker[0] != 'p' {
		return 0, ErrUnknownMarker
	}
	return strconv.Atoi(marker[1:])
}
