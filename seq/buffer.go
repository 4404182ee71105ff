package seq

import "github.com/pkg/errors"

// tag value of an unoccupied slot
const emptyTag = 0xffffffff

// Buffer maps a rolling window of the most recent numEntries sequence
// numbers to fixed per-entry storage of type T. The slot for a sequence
// number is sequence % numEntries, with a parallel tag array recording
// which sequence (if any) currently occupies each slot; advancing the
// window evicts the oldest occupants. All memory is allocated at
// construction and never grows.
//
// Not safe for concurrent use.
type Buffer[T any] struct {
	sequence uint16 // one past the newest sequence ever inserted
	tags     []uint32
	entries  []T
}

func NewBuffer[T any](numEntries int) (*Buffer[T], error) {
	if numEntries <= 0 {
		return nil, errors.Errorf("invalid buffer size %d", numEntries)
	}
	b := &Buffer[T]{
		tags:    make([]uint32, numEntries),
		entries: make([]T, numEntries),
	}
	b.Reset()
	return b, nil
}

// Reset returns the buffer to its just-created state. Entry storage is
// kept and reused.
func (b *Buffer[T]) Reset() {
	b.sequence = 0
	for i := range b.tags {
		b.tags[i] = emptyTag
	}
}

func (b *Buffer[T]) Size() int { return len(b.entries) }

// Sequence is one past the newest sequence ever inserted; only sequences
// in [Sequence-Size, Sequence) can be resident.
func (b *Buffer[T]) Sequence() uint16 { return b.sequence }

// Insert claims the slot for sequence and returns its storage, sliding the
// window forward (evicting overtaken occupants) when sequence is newer
// than anything seen. Returns nil if sequence is older than the retained
// window. The returned storage holds whatever the slot's previous occupant
// left behind; the caller overwrites the fields it needs and may reuse any
// allocations the old entry carried.
func (b *Buffer[T]) Insert(sequence uint16) *T {
	if GreaterThan(sequence+1, b.sequence) {
		b.removeRange(b.sequence, sequence)
		b.sequence = sequence + 1
	} else if LessThan(sequence, b.sequence-uint16(len(b.entries))) {
		return nil
	}
	i := int(sequence) % len(b.entries)
	b.tags[i] = uint32(sequence)
	return &b.entries[i]
}

// removeRange marks every slot occupied by a sequence in [start, finish]
// empty. When the span covers the whole buffer each slot is cleared once
// instead of iterating the span.
func (b *Buffer[T]) removeRange(start, finish uint16) {
	s, f := int(start), int(finish)
	if f < s {
		f += 65536
	}
	if f-s < len(b.entries) {
		for sequence := s; sequence <= f; sequence++ {
			b.tags[sequence%len(b.entries)] = emptyTag
		}
	} else {
		for i := range b.tags {
			b.tags[i] = emptyTag
		}
	}
}

// Remove marks the slot for sequence empty, regardless of its current tag.
func (b *Buffer[T]) Remove(sequence uint16) {
	b.tags[int(sequence)%len(b.entries)] = emptyTag
}

// Available reports whether the slot for sequence's index is empty. It
// says nothing about sequence itself, only that no entry occupies its slot.
func (b *Buffer[T]) Available(sequence uint16) bool {
	return b.tags[int(sequence)%len(b.entries)] == emptyTag
}

// Exists reports whether the slot for sequence is tagged with exactly
// sequence.
func (b *Buffer[T]) Exists(sequence uint16) bool {
	return b.tags[int(sequence)%len(b.entries)] == uint32(sequence)
}

// Find returns the storage for sequence, or nil if it is not resident.
func (b *Buffer[T]) Find(sequence uint16) *T {
	i := int(sequence) % len(b.entries)
	if b.tags[i] == uint32(sequence) {
		return &b.entries[i]
	}
	return nil
}

// AtIndex returns the storage at a slot index if occupied, else nil.
func (b *Buffer[T]) AtIndex(index int) *T {
	if b.tags[index] != emptyTag {
		return &b.entries[index]
	}
	return nil
}

// SequenceAt returns the sequence occupying a slot index, if any.
func (b *Buffer[T]) SequenceAt(index int) (uint16, bool) {
	if tag := b.tags[index]; tag != emptyTag {
		return uint16(tag), true
	}
	return 0, false
}
