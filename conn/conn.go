// Package conn is a thin datagram transport for driving endpoints over
// real sockets; the protocol core itself never touches a socket.
package conn

import (
	"log/slog"
	"net"
	"net/netip"

	"github.com/lysShub/netkit/debug"
	"github.com/lysShub/netkit/errorx"
	"github.com/lysShub/netkit/packet"
	"github.com/pkg/errors"
)

// datagram connect, refer net.UDPConn
type Conn interface {
	ReadFromAddrPort(*packet.Packet) (netip.AddrPort, error)
	WriteToAddrPort(*packet.Packet, netip.AddrPort) error

	LocalAddr() netip.AddrPort
	Close() error
}

func Bind(network, addr string) (Conn, error) {
	switch network {
	case "udp", "udp4", "udp6":
	default:
		return nil, errors.Errorf("not support network %s", network)
	}

	ua, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c, err := net.ListenUDP(network, ua)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &udpConn{conn: c}, nil
}

type udpConn struct {
	conn *net.UDPConn
}

func (c *udpConn) ReadFromAddrPort(b *packet.Packet) (netip.AddrPort, error) {
	n, addr, err := c.conn.ReadFromUDPAddrPort(b.Bytes())
	if err != nil {
		return netip.AddrPort{}, errors.WithStack(err)
	}
	if debug.Debug() && n == b.Data() {
		slog.Warn("too short warning", errorx.Trace(nil))
	}
	b.SetData(n)
	return addr, nil
}

func (c *udpConn) WriteToAddrPort(b *packet.Packet, dst netip.AddrPort) error {
	_, err := c.conn.WriteToUDPAddrPort(b.Bytes(), dst)
	return errors.WithStack(err)
}

func (c *udpConn) Close() error { return c.conn.Close() }

func (c *udpConn) LocalAddr() netip.AddrPort {
	return netip.MustParseAddrPort(c.conn.LocalAddr().String())
}
