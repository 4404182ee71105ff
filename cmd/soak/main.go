// Soak drives two endpoints against each other over loopback UDP with
// injected packet loss, and logs RTT, loss estimate and counters once a
// second. The protocol never retransmits; the loss estimate converging on
// the injected rate is the point.
package main

import (
	"flag"
	"log/slog"
	"math/rand"
	"net/netip"
	"os"
	"time"

	"github.com/lysShub/netkit/packet"
	reliable "github.com/mcmihai/reliable.io"
	"github.com/mcmihai/reliable.io/conn"
)

var (
	duration = flag.Duration("duration", 10*time.Second, "how long to run")
	loss     = flag.Int("loss", 10, "injected loss percent, both directions")
	interval = flag.Duration("interval", 5*time.Millisecond, "send interval")
)

func main() {
	flag.Parse()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	a, err := conn.Bind("udp", "127.0.0.1:0")
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	b, err := conn.Bind("udp", "127.0.0.1:0")
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	left, err := newPeer("left", a, b.LocalAddr(), logger)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	right, err := newPeer("right", b, a.LocalAddr(), logger)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	done := make(chan struct{})
	go left.run(done)
	go right.run(done)

	time.Sleep(*duration)
	close(done)
	left.conn.Close()
	right.conn.Close()
	time.Sleep(100 * time.Millisecond)
}

type peer struct {
	name   string
	conn   conn.Conn
	raddr  netip.AddrPort
	ep     *reliable.Endpoint
	logger *slog.Logger
	wires  chan *packet.Packet
}

func newPeer(name string, c conn.Conn, raddr netip.AddrPort, logger *slog.Logger) (*peer, error) {
	p := &peer{
		name:   name,
		conn:   c,
		raddr:  raddr,
		logger: logger,
		wires:  make(chan *packet.Packet, 512),
	}

	ep, err := reliable.New(&reliable.Config{
		Name:          name,
		FragmentAbove: 1024,
		FragmentSize:  1024,
		MaxFragments:  8,
		Logger:        logger,
		Transmit: func(pkt *packet.Packet) {
			if rand.Int()%100 < *loss {
				return
			}
			if err := c.WriteToAddrPort(pkt, raddr); err != nil {
				logger.Warn(err.Error(), slog.String("peer", name))
			}
		},
		Deliver: func(payload *packet.Packet) {},
		Acked:   func(sequence uint16) {},
	}, time.Now())
	if err != nil {
		return nil, err
	}
	p.ep = ep
	return p, nil
}

// readLoop only moves datagrams onto the channel; the endpoint itself is
// driven from run's goroutine alone.
func (p *peer) readLoop() {
	for {
		pkt := packet.Make(0, 2048)
		if _, err := p.conn.ReadFromAddrPort(pkt); err != nil {
			return
		}
		select {
		case p.wires <- pkt:
		default:
			// backlogged, the protocol treats it as loss
		}
	}
}

func (p *peer) run(done chan struct{}) {
	go p.readLoop()

	var (
		send  = time.NewTicker(*interval)
		stats = time.NewTicker(time.Second)
		i     int
	)
	defer send.Stop()
	defer stats.Stop()

	for {
		select {
		case <-done:
			p.ep.Close()
			return
		case pkt := <-p.wires:
			p.ep.ReceivePacket(pkt)
		case now := <-send.C:
			p.ep.Update(now)

			size := 256
			if i%16 == 0 {
				size = 3000 // fragmented
			}
			i++
			if _, err := p.ep.SendPacket(packet.From(make([]byte, size))); err != nil {
				p.logger.Warn(err.Error(), slog.String("peer", p.name))
			}
		case <-stats.C:
			cnt := p.ep.Counters()
			p.logger.Info("stats",
				slog.String("peer", p.name),
				slog.Duration("rtt", p.ep.RTT()),
				slog.Float64("loss", p.ep.PacketLoss()),
				slog.Uint64("sent", cnt.Sent),
				slog.Uint64("acked", cnt.Acked),
				slog.Uint64("received", cnt.Received),
				slog.Uint64("reassembled", cnt.Reassembled),
			)
		}
	}
}
