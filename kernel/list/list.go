// Package list implements a generic doubly-linked list, used throughout the
// kernel wherever a small, allocation-cheap ordered collection is needed
// (free pools, timed-event queues, discovered PCIe devices and capabilities).
package list

import "github.com/lifelessPixels/con64os/kernel"

type node[T any] struct {
	value      T
	prev, next *node[T]
}

// List is a doubly-linked list of T. The zero value is an empty, usable
// list.
type List[T any] struct {
	first, last *node[T]
	count       int
}

// Size returns the number of elements in the list.
func (l *List[T]) Size() int {
	return l.count
}

// AppendBack appends an element to the end of the list.
func (l *List[T]) AppendBack(value T) {
	n := &node[T]{value: value}
	if l.count == 0 {
		l.first, l.last = n, n
	} else {
		l.last.next = n
		n.prev = l.last
		l.last = n
	}
	l.count++
}

// AppendFront prepends an element to the start of the list.
func (l *List[T]) AppendFront(value T) {
	n := &node[T]{value: value}
	if l.count == 0 {
		l.first, l.last = n, n
	} else {
		l.first.prev = n
		n.next = l.first
		l.first = n
	}
	l.count++
}

// InsertAt inserts an element so that it becomes index i, shifting
// subsequent elements back. An index at or beyond the current size appends
// to the back.
func (l *List[T]) InsertAt(value T, index int) {
	if l.count == 0 || index >= l.count {
		l.AppendBack(value)
		return
	}
	if index == 0 {
		l.AppendFront(value)
		return
	}

	at := l.reference(index)
	n := &node[T]{value: value}
	n.next = at
	n.prev = at.prev
	at.prev.next = n
	at.prev = n
	l.count++
}

// Remove deletes the element at index i.
func (l *List[T]) Remove(index int) {
	n := l.reference(index)
	switch {
	case n.prev == nil && n.next == nil:
		l.first, l.last = nil, nil
	case n.prev == nil:
		n.next.prev = nil
		l.first = n.next
	case n.next == nil:
		n.prev.next = nil
		l.last = n.prev
	default:
		n.prev.next = n.next
		n.next.prev = n.prev
	}
	l.count--
}

// Get returns the element at index i.
func (l *List[T]) Get(index int) T {
	return l.reference(index).value
}

// Set replaces the element at index i.
func (l *List[T]) Set(index int, value T) {
	l.reference(index).value = value
}

// ForEach calls fn for every element in order, front to back. Iteration
// stops early if fn returns false.
func (l *List[T]) ForEach(fn func(index int, value T) bool) {
	i := 0
	for n := l.first; n != nil; n = n.next {
		if !fn(i, n.value) {
			return
		}
		i++
	}
}

// reference locates the node at index i, walking from whichever end is
// closer.
func (l *List[T]) reference(index int) *node[T] {
	if index < 0 || index >= l.count {
		kernel.Panic(&kernel.Error{Module: "list", Message: "index out of range"})
	}

	if index <= l.count/2 {
		n := l.first
		for i := 0; i != index; i++ {
			n = n.next
		}
		return n
	}

	n := l.last
	for i := l.count - 1; i != index; i-- {
		n = n.prev
	}
	return n
}
