package reliable

import (
	"testing"
	"time"

	"github.com/lysShub/netkit/packet"
	"github.com/stretchr/testify/require"
)

func Test_Endpoint_RTT(t *testing.T) {
	t.Run("seeded by first sample", func(t *testing.T) {
		start := time.Unix(0, 0)
		a := newNode(t, start, func(c *Config) { c.RTTSmoothing = 0.25 })
		b := newNode(t, start, nil)

		const d = 50 * time.Millisecond

		_, err := a.ep.SendPacket(packet.From([]byte("ping")))
		require.NoError(t, err)
		feed(b.ep, a.drain()[0])

		_, err = b.ep.SendPacket(packet.From([]byte("pong")))
		require.NoError(t, err)

		a.ep.Update(start.Add(d))
		feed(a.ep, b.drain()[0])

		require.Equal(t, d, a.ep.RTT())
	})

	t.Run("converges to constant delay", func(t *testing.T) {
		start := time.Unix(0, 0)
		a := newNode(t, start, func(c *Config) { c.RTTSmoothing = 0.25 })
		b := newNode(t, start, nil)

		const d = 80 * time.Millisecond

		now := start
		exchange := func(delay time.Duration) {
			a.ep.Update(now)
			b.ep.Update(now)

			_, err := a.ep.SendPacket(packet.From([]byte("ping")))
			require.NoError(t, err)
			feed(b.ep, a.drain()[0])

			_, err = b.ep.SendPacket(packet.From([]byte("pong")))
			require.NoError(t, err)

			now = now.Add(delay)
			a.ep.Update(now)
			feed(a.ep, b.drain()[0])
		}

		// an off estimate from a first slow sample...
		exchange(400 * time.Millisecond)
		require.Equal(t, 400*time.Millisecond, a.ep.RTT())

		// ...converges onto the constant delay
		for i := 0; i < 30; i++ {
			exchange(d)
		}
		require.InDelta(t, float64(d), float64(a.ep.RTT()), float64(2*time.Millisecond))
	})
}

func Test_Endpoint_PacketLoss(t *testing.T) {
	t.Run("nothing acked", func(t *testing.T) {
		start := time.Unix(0, 0)
		a := newNode(t, start, func(c *Config) {
			c.SentBufferSize = 32
			c.PacketLossSmoothing = 0.5
		})

		for i := 0; i < 64; i++ {
			_, err := a.ep.SendPacket(packet.From([]byte("void")))
			require.NoError(t, err)
		}
		a.drain() // the transport eats everything

		now := start
		for i := 0; i < 30; i++ {
			now = now.Add(100 * time.Millisecond)
			a.ep.Update(now)
		}
		require.InDelta(t, 1.0, a.ep.PacketLoss(), 0.01)
	})

	t.Run("everything acked", func(t *testing.T) {
		start := time.Unix(0, 0)
		a := newNode(t, start, func(c *Config) { c.SentBufferSize = 32 })
		b := newNode(t, start, nil)

		now := start
		for i := 0; i < 64; i++ {
			now = now.Add(10 * time.Millisecond)
			a.ep.Update(now)
			b.ep.Update(now)

			_, err := a.ep.SendPacket(packet.From([]byte("ping")))
			require.NoError(t, err)
			feed(b.ep, a.drain()[0])

			_, err = b.ep.SendPacket(packet.From([]byte("pong")))
			require.NoError(t, err)
			feed(a.ep, b.drain()[0])
		}
		require.Zero(t, a.ep.PacketLoss())
	})
}
