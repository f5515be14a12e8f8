package ringbuf

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/twinleaf/trendline/internal/plotdata"
)

// ErrInvalidCapacity is returned when a buffer is created with a non-positive capacity
// or a negative series count.
var ErrInvalidCapacity = errors.New("invalid ring buffer parameters")

// Buffer implements a thread-safe, fixed-capacity circular store of time-aligned samples
// for several series. Storage is seriesCount+1 fixed-length columns: column 0 holds the
// timestamps, column i+1 holds series i.
//
// The buffer never sorts. Rows must be appended in chronological order; once the buffer
// is full every new row overwrites the oldest one.
type Buffer struct {
	capacity    int
	seriesCount int

	mu       sync.Mutex
	columns  [][]float64
	head     int // next write slot
	size     int // number of valid slots
	lastSeen float64
}

// New creates a ring buffer holding up to capacity rows of seriesCount series.
//
// Parameters:
//   - capacity: maximum number of rows, must be positive
//   - seriesCount: number of value series per row, must not be negative
//
// Returns ErrInvalidCapacity if parameters are invalid.
func New(capacity, seriesCount int) (*Buffer, error) {
	if capacity <= 0 || seriesCount < 0 {
		return nil, fmt.Errorf("%w: capacity=%d, seriesCount=%d", ErrInvalidCapacity, capacity, seriesCount)
	}

	columns := make([][]float64, seriesCount+1)
	for i := range columns {
		columns[i] = make([]float64, capacity)
	}

	return &Buffer{
		capacity:    capacity,
		seriesCount: seriesCount,
		columns:     columns,
		lastSeen:    math.Inf(-1),
	}, nil
}

// AppendBulk writes every row of block at the head of the buffer, wrapping around when
// full. Values missing from a row (short or absent series) are stored as NaN so that a
// slot never keeps data of its previous occupant. Series beyond the buffer's series
// count are ignored. Appending an empty block is a no-op.
func (b *Buffer) AppendBulk(block plotdata.PlotData) {
	rows := block.Len()
	if rows == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for j := 0; j < rows; j++ {
		ts := block.Timestamps[j]
		b.columns[0][b.head] = ts
		for i := 0; i < b.seriesCount; i++ {
			b.columns[i+1][b.head] = block.Value(i, j)
		}

		b.head = (b.head + 1) % b.capacity
		if b.size < b.capacity {
			b.size++
		}
		if ts > b.lastSeen {
			b.lastSeen = ts
		}
	}
}

// LastTimestamp returns the greatest timestamp ever appended, or -Inf if nothing has been appended.
func (b *Buffer) LastTimestamp() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen
}

// Linearize returns a copy of all valid rows, oldest first. When the buffer has not
// wrapped this is the range [0, head). Once wrapped it is [head, capacity) followed by
// [0, head).
func (b *Buffer) Linearize() plotdata.PlotData {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := plotdata.PlotData{
		Timestamps: make([]float64, b.size),
		Series:     make([][]float64, b.seriesCount),
	}
	for i := range out.Series {
		out.Series[i] = make([]float64, b.size)
	}

	start := 0
	if b.size == b.capacity {
		start = b.head
	}

	// Two-segment copy, [start, start+size) modulo capacity
	first := min(b.size, b.capacity-start)
	for c, column := range b.columns {
		dst := out.Timestamps
		if c > 0 {
			dst = out.Series[c-1]
		}
		copy(dst[:first], column[start:start+first])
		copy(dst[first:], column[:b.size-first])
	}

	return out
}

// Len returns the number of valid rows
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the buffer capacity
func (b *Buffer) Cap() int {
	return b.capacity
}

// SeriesCount returns the number of series the buffer stores
func (b *Buffer) SeriesCount() int {
	return b.seriesCount
}

// IsFull returns true if the buffer has wrapped at least once.
func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size == b.capacity
}

// Clear removes all rows and forgets the last seen timestamp.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
	b.lastSeen = math.Inf(-1)
}
