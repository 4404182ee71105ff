package reliable

import (
	"log/slog"
	"time"

	"github.com/lysShub/netkit/debug"
	"github.com/lysShub/netkit/packet"
	"github.com/lysShub/rawsock/test"
	"github.com/mcmihai/reliable.io/proto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// reassembly tracks one in-flight fragmented payload, keyed by the
// payload's original sequence in the frag buffer. mask and data stay
// allocated when the slot is reused, so steady-state reassembly does not
// allocate.
type reassembly struct {
	firstSeen time.Time
	count     int // declared fragment count
	received  int // fragments stored so far
	total     int // payload size, known once the last fragment arrives
	mask      []bool
	data      []byte
}

func (r *reassembly) begin(now time.Time, count, maxFragments, fragmentSize int) {
	if cap(r.mask) < maxFragments {
		r.mask = make([]bool, maxFragments)
		r.data = make([]byte, maxFragments*fragmentSize)
	}
	r.mask = r.mask[:maxFragments]
	clear(r.mask[:count])
	r.firstSeen = now
	r.count = count
	r.received = 0
	r.total = 0
}

// sendFragments splits a payload into ceil(size/FragmentSize) chunks, each
// sent as its own wire unit with its own sequence number; fragment 0
// carries the payload's sequence and all carry (origSequence, index,
// count) so the receiver can put them back together.
func (e *Endpoint) sendFragments(pkt *packet.Packet, size int) (uint16, error) {
	count := (size + e.config.FragmentSize - 1) / e.config.FragmentSize
	if count > e.config.MaxFragments {
		e.counters.SendsTooLarge++
		return 0, errors.Errorf("payload %d needs %d fragments, limit %d", size, count, e.config.MaxFragments)
	}

	orig := e.sequence // fragment 0 reuses the payload's sequence
	payload := pkt.Bytes()
	ack, ackBits := e.ackInfo()

	for i := 0; i < count; i++ {
		sequence := e.nextSequence()
		chunk := payload[i*e.config.FragmentSize : min((i+1)*e.config.FragmentSize, size)]
		e.record(sequence, len(chunk))

		e.scratch.Sets(fragHeadroom, 0)
		e.scratch.Append(chunk...)

		hdr := proto.Header{
			Sequence: sequence, Ack: ack, AckBits: ackBits,
			Fragment:     true,
			OrigSequence: orig,
			FragIndex:    uint8(i),
			FragCount:    uint8(count),
		}
		if err := hdr.Encode(e.scratch); err != nil {
			return 0, err
		}

		e.counters.Sent++
		e.config.Transmit(e.scratch)
	}
	return orig, nil
}

// receiveFragment stores one fragment, delivering the reassembled payload
// once every declared fragment has arrived. Malformed metadata drops the
// fragment; the sender's missing ack is the signal.
func (e *Endpoint) receiveFragment(hdr *proto.Header, pkt *packet.Packet) {
	var (
		logger = e.config.Logger
		count  = int(hdr.FragCount)
		index  = int(hdr.FragIndex)
		size   = pkt.Data()
	)

	if count > e.config.MaxFragments {
		e.counters.FragmentsInvalid++
		logger.Warn("fragment count over limit",
			slog.String("endpoint", e.config.Name), slog.String("header", hdr.String()))
		return
	}
	if index < count-1 && size != e.config.FragmentSize {
		e.counters.FragmentsInvalid++
		logger.Warn("odd fragment size",
			slog.String("endpoint", e.config.Name), slog.String("header", hdr.String()), slog.Int("size", size))
		return
	}
	if index == count-1 && (size == 0 || size > e.config.FragmentSize) {
		e.counters.FragmentsInvalid++
		logger.Warn("odd tail fragment size",
			slog.String("endpoint", e.config.Name), slog.String("header", hdr.String()), slog.Int("size", size))
		return
	}

	entry := e.frag.Find(hdr.OrigSequence)
	if entry == nil {
		entry = e.frag.Insert(hdr.OrigSequence)
		if entry == nil {
			e.counters.Stale++
			logger.Debug("stale fragment",
				slog.String("endpoint", e.config.Name), slog.String("header", hdr.String()))
			return
		}
		entry.begin(e.time, count, e.config.MaxFragments, e.config.FragmentSize)
	} else if entry.count != count {
		e.counters.FragmentsInvalid++
		logger.Warn("inconsistent fragment count",
			slog.String("endpoint", e.config.Name), slog.String("header", hdr.String()),
			slog.Int("expect", entry.count))
		return
	}

	if entry.mask[index] {
		return // this part already arrived under another unit sequence
	}
	entry.mask[index] = true
	entry.received++
	copy(entry.data[index*e.config.FragmentSize:], pkt.Bytes())
	if index == count-1 {
		entry.total = (count-1)*e.config.FragmentSize + size
	}

	if entry.received == count {
		if debug.Debug() {
			require.NotZero(test.T(), entry.total)
		}
		e.counters.Reassembled++
		e.config.Deliver(packet.From(entry.data[:entry.total]))
		e.frag.Remove(hdr.OrigSequence)
	}
}

// purgeFragments drops reassembly entries that did not complete within
// FragmentTimeout; the payload counts as lost.
func (e *Endpoint) purgeFragments() {
	for i := 0; i < e.config.ReassemblyBufferSize; i++ {
		sequence, ok := e.frag.SequenceAt(i)
		if !ok {
			continue
		}
		entry := e.frag.AtIndex(i)
		if e.time.Sub(entry.firstSeen) >= e.config.FragmentTimeout {
			e.counters.ReassemblyTimeouts++
			e.config.Logger.Debug("reassembly timeout",
				slog.String("endpoint", e.config.Name), slog.Int("sequence", int(sequence)))
			e.frag.Remove(sequence)
		}
	}
}
