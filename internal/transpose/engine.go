// Package transpose owns the in-place parallel matrix transpose.
//
// Rows are split into contiguous chunks, one per worker. A worker owning row i
// swaps (i,j) with (j,i) for every j>i, so each off-diagonal pair is written
// only by the worker whose chunk holds the smaller index. Chunks are disjoint,
// which keeps workers off each other's cells without locks or atomics.
package transpose

import (
	"time"

	"golang.org/x/sync/errgroup"
)

// Chunk is a half-open row range [Start, End) owned by one worker.
type Chunk struct {
	Start int
	End   int
}

func (c Chunk) Len() int {
	return c.End - c.Start
}

// ClampWorkers maps invalid worker counts to 1.
func ClampWorkers(k int) int {
	if k < 1 {
		return 1
	}
	return k
}

// Partition splits [0,n) into at most k near-equal contiguous chunks.
// The first n%k chunks get one extra row; empty chunks are dropped.
func Partition(n, k int) []Chunk {
	k = ClampWorkers(k)
	if n <= 0 {
		return nil
	}
	base := n / k
	extra := n % k
	chunks := make([]Chunk, 0, min(k, n))
	start := 0
	for t := 0; t < k; t++ {
		size := base
		if t < extra {
			size++
		}
		if size == 0 {
			break
		}
		chunks = append(chunks, Chunk{Start: start, End: start + size})
		start += size
	}
	return chunks
}

// Transpose transposes m in place with the given number of workers and
// returns once every worker has finished.
func Transpose(m Matrix, workers int) {
	chunks := Partition(m.N, workers)
	if len(chunks) <= 1 {
		transposeRows(m, 0, m.N)
		return
	}
	var g errgroup.Group
	for _, c := range chunks {
		g.Go(func() error {
			transposeRows(m, c.Start, c.End)
			return nil
		})
	}
	// Workers cannot fail; Wait is only the join barrier.
	_ = g.Wait()
}

// Measure runs one Transpose of m and returns its wall-clock duration.
func Measure(m Matrix, workers int) time.Duration {
	start := time.Now()
	Transpose(m, workers)
	return time.Since(start)
}

func transposeRows(m Matrix, start, end int) {
	n := m.N
	cells := m.Cells
	for i := start; i < end; i++ {
		row := i * n
		for j := i + 1; j < n; j++ {
			cells[row+j], cells[j*n+i] = cells[j*n+i], cells[row+j]
		}
	}
}
