// Package list provides an intrusive doubly-linked list. Each element
// embeds its link fields, so insertion and removal are O(1) and removal
// needs no search from the head: every node records the address of its
// predecessor's next pointer.
//
// An element may belong to several lists at once by embedding one Links
// field per membership and giving each Head a selector for its field.
// Callers hold whatever lock guards the list; Del on a node that is not
// on the list is undefined.
package list

// Links is the per-membership link block embedded in an element.
type Links[T any] struct {
	pnext **T
	next  *T
}

// Head is one list. The selector maps an element to the Links field this
// list threads through.
type Head[T any] struct {
	pnext **T
	next  *T
	links func(*T) *Links[T]
}

// NewHead returns an initialized empty list threading through the Links
// field returned by sel.
func NewHead[T any](sel func(*T) *Links[T]) *Head[T] {
	h := &Head[T]{links: sel}
	h.pnext = &h.next
	return h
}

// Init (re)initializes a Head in place, e.g. one embedded in a larger
// structure.
func (h *Head[T]) Init(sel func(*T) *Links[T]) {
	h.links = sel
	h.next = nil
	h.pnext = &h.next
}

// Empty reports whether the list has no elements.
func (h *Head[T]) Empty() bool { return h.next == nil }

// First returns the first element, or nil.
func (h *Head[T]) First() *T { return h.next }

// Next returns the element after d, or nil.
func (h *Head[T]) Next(d *T) *T { return h.links(d).next }

// Add appends d at the tail.
func (h *Head[T]) Add(d *T) {
	l := h.links(d)
	*h.pnext = d
	l.pnext = h.pnext
	l.next = nil
	h.pnext = &l.next
}

// Push inserts d at the head.
func (h *Head[T]) Push(d *T) {
	l := h.links(d)
	n := h.next
	h.next = d
	l.pnext = &h.next
	l.next = n
	if n != nil {
		h.links(n).pnext = &l.next
	} else {
		h.pnext = &l.next
	}
}

// Del unlinks d and returns it. d must be on the list.
func (h *Head[T]) Del(d *T) *T {
	l := h.links(d)
	*l.pnext = l.next
	if l.next != nil {
		h.links(l.next).pnext = l.pnext
	} else {
		h.pnext = l.pnext
	}
	l.pnext = nil
	l.next = nil
	return d
}

// Pop removes and returns the first element, or nil if the list is empty.
func (h *Head[T]) Pop() *T {
	if h.next == nil {
		return nil
	}
	return h.Del(h.next)
}

// ForEach calls fn for each element in order. fn must not modify the
// list; use ForEachDeletable when removing during iteration.
func (h *Head[T]) ForEach(fn func(*T)) {
	for p := h.next; p != nil; p = h.links(p).next {
		fn(p)
	}
}

// ForEachDeletable calls fn for each element, capturing the successor
// before the call so fn may Del the current element.
func (h *Head[T]) ForEachDeletable(fn func(*T)) {
	for p := h.next; p != nil; {
		n := h.links(p).next
		fn(p)
		p = n
	}
}

// Len walks the list and counts elements. Intended for assertions and
// tests, not hot paths.
func (h *Head[T]) Len() int {
	n := 0
	for p := h.next; p != nil; p = h.links(p).next {
		n++
	}
	return n
}
