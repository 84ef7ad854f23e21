package transpose

import "fmt"

// Matrix is a square n×n matrix of int32 cells stored row-major.
type Matrix struct {
	N     int
	Cells []int32
}

func NewMatrix(n int) Matrix {
	if n < 0 {
		n = 0
	}
	return Matrix{N: n, Cells: make([]int32, n*n)}
}

// FromRows builds a matrix from a square slice of rows.
func FromRows(rows [][]int32) (Matrix, error) {
	n := len(rows)
	m := NewMatrix(n)
	for i, row := range rows {
		if len(row) != n {
			return Matrix{}, fmt.Errorf("transpose: row %d has %d cells, want %d", i, len(row), n)
		}
		copy(m.Cells[i*n:(i+1)*n], row)
	}
	return m, nil
}

func (m Matrix) At(i, j int) int32 {
	return m.Cells[i*m.N+j]
}

func (m Matrix) Set(i, j int, v int32) {
	m.Cells[i*m.N+j] = v
}

func (m Matrix) Empty() bool {
	return m.N == 0
}

// Clone returns a deep copy; runs never share cells with the source.
func (m Matrix) Clone() Matrix {
	out := Matrix{N: m.N, Cells: make([]int32, len(m.Cells))}
	copy(out.Cells, m.Cells)
	return out
}

func (m Matrix) Equal(o Matrix) bool {
	if m.N != o.N || len(m.Cells) != len(o.Cells) {
		return false
	}
	for i := range m.Cells {
		if m.Cells[i] != o.Cells[i] {
			return false
		}
	}
	return true
}

// Transposed returns a new single-threaded transpose of m.
func (m Matrix) Transposed() Matrix {
	out := NewMatrix(m.N)
	for i := 0; i < m.N; i++ {
		for j := 0; j < m.N; j++ {
			out.Set(j, i, m.At(i, j))
		}
	}
	return out
}
