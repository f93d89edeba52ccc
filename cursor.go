package sweep

import (
	"errors"
	"strconv"
)

// ErrInvalidCursor is returned when a cursor cannot address an item.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the resumption token of a sweep. It addresses the page through
// the marker of the page that precedes it and the item through its index
// within that page.
//
// The zero Cursor addresses the first item of the first page.
type Cursor struct {
	// Marker is the opaque page marker the source resumes after.
	// An empty marker addresses the first page.
	Marker string `json:"marker,omitempty"`
	// Index is the position of the next item to process within the page.
	Index int `json:"index,omitempty"`
}

// IsStart reports whether the cursor addresses the very first item.
func (c Cursor) IsStart() bool {
	return c.Marker == "" && c.Index == 0
}

// String returns a compact representation used in logs.
func (c Cursor) String() string {
	marker := c.Marker
	if marker == "" {
		marker = "<start>"
	}
	return marker + "#" + strconv.Itoa(c.Index)
}

func (c Cursor) validate() error {
	if c.Index < 0 {
		return ErrInvalidCursor
	}
	return nil
}
