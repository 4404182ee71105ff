// Package proto is the wire codec: every datagram starts with a fixed
// header carrying the unit's sequence number and cumulative ack state,
// fragments carry an extra trailer locating them in the original payload.
package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/lysShub/netkit/packet"
	"github.com/pkg/errors"
)

/*
	wire layout, big endian:

	regular:   flags(1) sequence(2) ack(2) ackBits(4)
	fragment:  flags(1) sequence(2) ack(2) ackBits(4) origSequence(2) fragIndex(1) fragCount(1)
*/

const (
	HeaderSize         = 9
	FragmentHeaderSize = 13

	// fragment index and count are single bytes on the wire
	MaxFragments = 0xff

	flagFragment = 0b1
)

type Header struct {
	Sequence uint16 // this unit's own sequence number
	Ack      uint16 // newest sequence received from the peer
	AckBits  uint32 // bit i-1 set iff Ack-i was received, i in [1,32]

	Fragment     bool
	OrigSequence uint16 // sequence assigned to the whole payload
	FragIndex    uint8
	FragCount    uint8
}

func (h *Header) Valid() error {
	if h == nil {
		return errors.Errorf("nil header")
	}
	if h.Fragment {
		if h.FragCount == 0 {
			return errors.Errorf("zero fragment count")
		}
		if h.FragIndex >= h.FragCount {
			return errors.Errorf("fragment index %d out of range [0,%d)", h.FragIndex, h.FragCount)
		}
	}
	return nil
}

func (h *Header) String() string {
	if h.Fragment {
		return fmt.Sprintf("{Seq:%d, Ack:%d, AckBits:%#x, Frag:%d/%d of %d}",
			h.Sequence, h.Ack, h.AckBits, h.FragIndex, h.FragCount, h.OrigSequence)
	}
	return fmt.Sprintf("{Seq:%d, Ack:%d, AckBits:%#x}", h.Sequence, h.Ack, h.AckBits)
}

func (h *Header) Encode(to *packet.Packet) error {
	if err := h.Valid(); err != nil {
		return err
	}

	if h.Fragment {
		to.Attach(h.FragCount)
		to.Attach(h.FragIndex)
		to.Attach(binary.BigEndian.AppendUint16(nil, h.OrigSequence)...)
	}
	to.Attach(binary.BigEndian.AppendUint32(nil, h.AckBits)...)
	to.Attach(binary.BigEndian.AppendUint16(nil, h.Ack)...)
	to.Attach(binary.BigEndian.AppendUint16(nil, h.Sequence)...)

	var flags byte
	if h.Fragment {
		flags |= flagFragment
	}
	to.Attach(flags)
	return nil
}

func (h *Header) Decode(from *packet.Packet) error {
	b := from.Bytes()
	if len(b) < HeaderSize {
		return errors.Errorf("packet too short %d", len(b))
	}

	flags := b[0]
	if flags&^flagFragment != 0 {
		return errors.Errorf("unknown flags %#x", flags)
	}
	h.Fragment = flags&flagFragment != 0
	h.Sequence = binary.BigEndian.Uint16(b[1:3])
	h.Ack = binary.BigEndian.Uint16(b[3:5])
	h.AckBits = binary.BigEndian.Uint32(b[5:9])

	n := HeaderSize
	if h.Fragment {
		if len(b) < FragmentHeaderSize {
			return errors.Errorf("fragment packet too short %d", len(b))
		}
		h.OrigSequence = binary.BigEndian.Uint16(b[9:11])
		h.FragIndex = b[11]
		h.FragCount = b[12]
		n = FragmentHeaderSize
	} else {
		h.OrigSequence, h.FragIndex, h.FragCount = 0, 0, 0
	}
	if err := h.Valid(); err != nil {
		return err
	}

	from.DetachN(n)
	return nil
}
