package reliable

import (
	"log/slog"
	"os"
	"time"

	"github.com/lysShub/netkit/packet"
	"github.com/mcmihai/reliable.io/proto"
	"github.com/pkg/errors"
)

// Config configures an endpoint; all values are fixed for the endpoint's
// lifetime. The zero value of every option picks a sensible default, the
// three callbacks wire the endpoint to the caller's transport and
// application code.
type Config struct {
	// Name tags this endpoint's log lines.
	Name string

	// MaxPacketSize is the hard cap on a single logical payload.
	MaxPacketSize int

	// FragmentAbove is the payload size above which fragmentation is used.
	FragmentAbove int

	// FragmentSize is the payload chunk carried by each fragment.
	FragmentSize int

	// MaxFragments caps the fragment count per payload; a payload needing
	// more is rejected at send time. At most proto.MaxFragments.
	MaxFragments int

	SentBufferSize     int // sent-record window, entries
	ReceivedBufferSize int // received-record window, entries

	// ReassemblyBufferSize is the number of concurrent in-flight
	// fragmented payloads tracked on the receive side.
	ReassemblyBufferSize int

	// FragmentTimeout purges reassembly state that did not complete; the
	// purge runs on Endpoint.Update.
	FragmentTimeout time.Duration

	// RTTSmoothing and PacketLossSmoothing are exponential-average
	// weights in (0, 1].
	RTTSmoothing        float64
	PacketLossSmoothing float64

	// Transmit hands one finished wire unit (whole packet or fragment) to
	// the transport. The packet is only valid during the call.
	Transmit func(pkt *packet.Packet)

	// Deliver hands one validated, fully reassembled payload to the
	// application. The packet is only valid during the call.
	Deliver func(payload *packet.Packet)

	// Acked fires exactly once the first time a sequence is acknowledged.
	// Optional.
	Acked func(sequence uint16)

	LogPath string
	Logger  *slog.Logger
}

func (c *Config) init() *Config {
	if c.Name == "" {
		c.Name = "endpoint"
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = 16 * 1024
	}
	if c.FragmentAbove <= 0 {
		c.FragmentAbove = 1024
	}
	if c.FragmentSize <= 0 {
		c.FragmentSize = 1024
	}
	if c.MaxFragments <= 0 {
		c.MaxFragments = 16
	}
	if c.SentBufferSize <= 0 {
		c.SentBufferSize = 256
	}
	if c.ReceivedBufferSize <= 0 {
		c.ReceivedBufferSize = 256
	}
	if c.ReassemblyBufferSize <= 0 {
		c.ReassemblyBufferSize = 64
	}
	if c.FragmentTimeout <= 0 {
		c.FragmentTimeout = time.Second
	}
	if c.RTTSmoothing <= 0 {
		c.RTTSmoothing = 0.0025
	}
	if c.PacketLossSmoothing <= 0 {
		c.PacketLossSmoothing = 0.1
	}

	if c.Logger == nil {
		var fh = os.Stdout
		if c.LogPath != "" {
			var err error
			fh, err = os.OpenFile(c.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o666)
			if err != nil {
				panic(err)
			}
		}
		c.Logger = slog.New(slog.NewJSONHandler(fh, nil))
	}
	return c
}

func (c *Config) valid() error {
	if c.Transmit == nil {
		return errors.Errorf("require transmit callback")
	}
	if c.Deliver == nil {
		return errors.Errorf("require deliver callback")
	}
	if c.MaxFragments > proto.MaxFragments {
		return errors.Errorf("max fragments %d over wire limit %d", c.MaxFragments, proto.MaxFragments)
	}
	if c.FragmentAbove > c.MaxPacketSize {
		return errors.Errorf("fragment threshold %d over max packet size %d", c.FragmentAbove, c.MaxPacketSize)
	}
	if c.RTTSmoothing > 1 {
		return errors.Errorf("rtt smoothing factor %f out of (0,1]", c.RTTSmoothing)
	}
	if c.PacketLossSmoothing > 1 {
		return errors.Errorf("packet loss smoothing factor %f out of (0,1]", c.PacketLossSmoothing)
	}
	return nil
}
