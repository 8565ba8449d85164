// Package cell provides a run-time checked exclusive-access cell.
//
// The kernel runs on a single hart, so shared state never needs a real lock.
// What it does need is a guard against a kernel path borrowing the same state
// twice (for example, reading the current task while the scheduler list is
// still held). A Cell turns that mistake into an immediate panic instead of
// silent corruption.
package cell

import (
	"fmt"
	"sync/atomic"
)

// Cell holds a value that may be borrowed by at most one accessor at a time.
type Cell[T any] struct {
	name     string
	borrowed atomic.Bool
	value    T
}

// New creates a cell around v. The name appears in the panic message.
func New[T any](name string, v T) *Cell[T] {
	return &Cell[T]{name: name, value: v}
}

// Borrow returns exclusive access to the value. It panics if the cell is
// already borrowed. Every Borrow must be paired with Release.
func (c *Cell[T]) Borrow() *T {
	if !c.borrowed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("cell %q: already borrowed", c.name))
	}
	return &c.value
}

// Release ends the current borrow.
func (c *Cell[T]) Release() {
	if !c.borrowed.CompareAndSwap(true, false) {
		panic(fmt.Sprintf("cell %q: release without borrow", c.name))
	}
}

// Borrowed reports whether the cell is currently held.
func (c *Cell[T]) Borrowed() bool {
	return c.borrowed.Load()
}

// With runs fn with exclusive access and releases afterwards, even if fn
// panics.
func (c *Cell[T]) With(fn func(v *T)) {
	v := c.Borrow()
	defer c.Release()
	fn(v)
}

// Get runs fn with exclusive access to c and returns its result.
func Get[T, R any](c *Cell[T], fn func(v *T) R) R {
	v := c.Borrow()
	defer c.Release()
	return fn(v)
}
