// Package reliable puts delivery notification, fragmentation and
// link statistics on top of an unreliable unordered datagram transport.
// It tells the sender which of its packets arrived, splits and reassembles
// payloads larger than a threshold, and keeps smoothed RTT and packet-loss
// estimates. Retransmission policy, congestion control, encryption and
// socket I/O stay with the caller.
package reliable

import (
	"log/slog"
	"math"
	"time"

	"github.com/lysShub/netkit/debug"
	"github.com/lysShub/netkit/packet"
	"github.com/lysShub/rawsock/test"
	"github.com/mcmihai/reliable.io/proto"
	"github.com/mcmihai/reliable.io/seq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// headroom reserved in the fragment scratch packet for header attach
const fragHeadroom = 64

type sentRecord struct {
	time  time.Time
	acked bool
	size  int
}

type recvRecord struct {
	time time.Time
	size int
}

// Endpoint is the per-connection protocol state machine. Every operation
// runs to completion on the calling goroutine; the caller serializes all
// access, typically by driving the endpoint from one network goroutine.
// Time is supplied by the caller (New, Update), never read from the system
// clock, so the state machine is deterministic under simulated time.
type Endpoint struct {
	config *Config

	time     time.Time
	sequence uint16 // next outgoing sequence number

	sent *seq.Buffer[sentRecord]
	recv *seq.Buffer[recvRecord]
	frag *seq.Buffer[reassembly]

	rtt        time.Duration
	packetLoss float64

	counters Counters

	scratch *packet.Packet // fragment staging, reused across sends
}

// Counters is a snapshot of the endpoint's event counters.
type Counters struct {
	Sent     uint64 // wire units handed to Transmit
	Received uint64 // wire units accepted
	Acked    uint64 // sent units acknowledged

	Stale         uint64 // units outside the received window
	Duplicate     uint64 // units already seen
	Invalid       uint64 // undecodable headers
	SendsTooLarge uint64 // payloads rejected at SendPacket

	FragmentsInvalid   uint64 // fragments with bad metadata
	Reassembled        uint64 // payloads completed from fragments
	ReassemblyTimeouts uint64 // reassembly entries purged by timeout
}

// New creates an endpoint with fixed capacities; now seeds the endpoint's
// caller-driven clock.
func New(config *Config, now time.Time) (*Endpoint, error) {
	config = config.init()
	if err := config.valid(); err != nil {
		return nil, err
	}

	sent, err := seq.NewBuffer[sentRecord](config.SentBufferSize)
	if err != nil {
		return nil, err
	}
	recv, err := seq.NewBuffer[recvRecord](config.ReceivedBufferSize)
	if err != nil {
		return nil, err
	}
	frag, err := seq.NewBuffer[reassembly](config.ReassemblyBufferSize)
	if err != nil {
		return nil, err
	}

	return &Endpoint{
		config:  config,
		time:    now,
		sent:    sent,
		recv:    recv,
		frag:    frag,
		scratch: packet.Make(fragHeadroom, config.FragmentSize),
	}, nil
}

func (e *Endpoint) Close() error {
	e.config.Logger.Info("close", slog.String("endpoint", e.config.Name))
	return nil
}

// Reset returns the endpoint to its just-created state: both sequence
// buffers, the reassembly table, the statistics and the outgoing counter.
func (e *Endpoint) Reset() {
	e.sequence = 0
	e.rtt = 0
	e.packetLoss = 0
	e.counters = Counters{}
	e.sent.Reset()
	e.recv.Reset()
	e.frag.Reset()
}

// SendPacket assigns the next sequence number to the payload, records it
// in the sent buffer, and hands the finished wire unit(s) to Transmit —
// one unit normally, several when the payload exceeds FragmentAbove. The
// payload packet needs attach headroom for the wire header. Returns the
// sequence assigned to the payload.
//
// Oversize payloads and payloads needing more than MaxFragments fragments
// are rejected without transmitting anything.
func (e *Endpoint) SendPacket(pkt *packet.Packet) (uint16, error) {
	size := pkt.Data()
	if size > e.config.MaxPacketSize {
		e.counters.SendsTooLarge++
		return 0, errors.Errorf("payload %d over max packet size %d", size, e.config.MaxPacketSize)
	}

	if size > e.config.FragmentAbove {
		return e.sendFragments(pkt, size)
	}

	sequence := e.nextSequence()
	e.record(sequence, size)

	ack, ackBits := e.ackInfo()
	hdr := proto.Header{Sequence: sequence, Ack: ack, AckBits: ackBits}
	if err := hdr.Encode(pkt); err != nil {
		return 0, err
	}

	e.counters.Sent++
	e.config.Transmit(pkt)
	return sequence, nil
}

// ReceivePacket parses one wire unit and drives the endpoint: duplicate
// and stale units are dropped, ack state is folded into the sent records
// (firing Acked and updating RTT), whole payloads are handed to Deliver
// and fragments to the reassembly table. Protocol-level rejections are
// logged, never returned; a lossy transport is not an error.
func (e *Endpoint) ReceivePacket(pkt *packet.Packet) {
	var hdr proto.Header
	if err := hdr.Decode(pkt); err != nil {
		e.counters.Invalid++
		e.config.Logger.Warn(err.Error(), slog.String("endpoint", e.config.Name))
		return
	}

	if e.recv.Exists(hdr.Sequence) {
		e.counters.Duplicate++
		e.config.Logger.Debug("duplicate packet",
			slog.String("endpoint", e.config.Name), slog.Int("sequence", int(hdr.Sequence)))
		return
	}
	entry := e.recv.Insert(hdr.Sequence)
	if entry == nil {
		e.counters.Stale++
		e.config.Logger.Debug("stale packet",
			slog.String("endpoint", e.config.Name), slog.Int("sequence", int(hdr.Sequence)))
		return
	}
	*entry = recvRecord{time: e.time, size: pkt.Data()}
	e.counters.Received++

	e.processAcks(hdr.Ack, hdr.AckBits)

	if !hdr.Fragment {
		e.config.Deliver(pkt)
		return
	}
	e.receiveFragment(&hdr, pkt)
}

// Update advances the endpoint's clock, refreshes the smoothed packet-loss
// estimate and purges reassembly state older than FragmentTimeout. Call it
// regularly, e.g. once per network tick.
func (e *Endpoint) Update(now time.Time) {
	e.time = now
	e.updatePacketLoss()
	e.purgeFragments()
}

// RTT is the smoothed round-trip estimate, zero until the first ack.
func (e *Endpoint) RTT() time.Duration { return e.rtt }

// PacketLoss is the smoothed fraction of recently sent units that were
// never acknowledged, in [0, 1]. Refreshed by Update.
func (e *Endpoint) PacketLoss() float64 { return e.packetLoss }

// NextSequence is the sequence number the next sent unit will carry.
func (e *Endpoint) NextSequence() uint16 { return e.sequence }

func (e *Endpoint) Counters() Counters { return e.counters }

func (e *Endpoint) nextSequence() uint16 {
	s := e.sequence
	e.sequence++
	return s
}

func (e *Endpoint) record(sequence uint16, size int) {
	entry := e.sent.Insert(sequence)
	if debug.Debug() {
		// the monotonic counter can not fall behind the sent window
		require.NotNil(test.T(), entry)
	}
	*entry = sentRecord{time: e.time, size: size}
}

// ackInfo builds the cumulative acknowledgment riding on every outgoing
// unit: the newest received sequence, and 32 bits redundantly covering the
// sequences before it so a single lost unit does not lose ack information.
func (e *Endpoint) ackInfo() (ack uint16, ackBits uint32) {
	ack = e.recv.Sequence() - 1
	for i := uint16(1); i <= 32; i++ {
		if e.recv.Exists(ack - i) {
			ackBits |= 1 << (i - 1)
		}
	}
	return ack, ackBits
}

func (e *Endpoint) processAcks(ack uint16, ackBits uint32) {
	e.ackOne(ack)
	for i := uint16(1); i <= 32; i++ {
		if ackBits&(1<<(i-1)) != 0 {
			e.ackOne(ack - i)
		}
	}
}

// ackOne marks a sent record acknowledged; the first ack for a record
// folds its RTT sample into the estimate and fires the Acked callback.
// Repeated ack information for the same record is a no-op.
func (e *Endpoint) ackOne(sequence uint16) {
	entry := e.sent.Find(sequence)
	if entry == nil || entry.acked {
		return
	}
	entry.acked = true
	e.counters.Acked++

	sample := e.time.Sub(entry.time)
	if sample < 0 {
		sample = 0
	}
	if e.rtt == 0 {
		e.rtt = sample
	} else {
		e.rtt += time.Duration(float64(sample-e.rtt) * e.config.RTTSmoothing)
	}

	if e.config.Acked != nil {
		e.config.Acked(sequence)
	}
}

// updatePacketLoss samples the oldest half of the sent window: entries
// that sat unacked longer than the current RTT estimate count as dropped.
// The instantaneous fraction is folded into the smoothed estimate.
func (e *Endpoint) updatePacketLoss() {
	samples := e.config.SentBufferSize / 2
	if samples == 0 {
		samples = 1
	}
	base := e.sent.Sequence() - uint16(e.config.SentBufferSize)

	dropped := 0
	for i := 0; i < samples; i++ {
		entry := e.sent.Find(base + uint16(i))
		if entry != nil && !entry.acked && e.time.Sub(entry.time) > e.rtt {
			dropped++
		}
	}
	pl := float64(dropped) / float64(samples)

	if math.Abs(e.packetLoss-pl) < 1e-5 {
		e.packetLoss = pl
	} else {
		e.packetLoss += (pl - e.packetLoss) * e.config.PacketLossSmoothing
	}
}
