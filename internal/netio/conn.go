// Package netio wires the dispatcher's event channel to a real UDP
// socket: a listener goroutine that reads and parses datagrams, and a
// ticker goroutine that posts clock pulses at a fixed cadence.
package netio

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/kessler-dev/rendez/internal/dispatch"
	"github.com/kessler-dev/rendez/internal/metrics"
	"github.com/kessler-dev/rendez/internal/wire"
)

// Conn wraps a net.PacketConn as the shared socket: the listener reads
// from it, the dispatcher writes to it via the reliability.Sender
// interface it satisfies.
type Conn struct {
	pc net.PacketConn
}

// Listen binds a UDP socket on 0.0.0.0:port.
func Listen(port uint16) (*Conn, error) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, err
	}
	return &Conn{pc: pc}, nil
}

// SendTo implements reliability.Sender.
func (c *Conn) SendTo(buf []byte, addr netip.AddrPort) error {
	_, err := c.pc.WriteTo(buf, net.UDPAddrFromAddrPort(addr))
	return err
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return c.pc.Close()
}

// ListenLoop reads datagrams from c until a read fails, parsing each into
// a dispatch.PacketEvent and posting it on events. Malformed datagrams are
// logged and discarded; they are never posted as events. Cancelling ctx
// does not interrupt a blocked read: the caller closes c, and a read that
// fails after ctx is done returns nil instead of the read error.
func ListenLoop(ctx context.Context, c *Conn, events chan<- dispatch.Event, logger *slog.Logger, collector *metrics.Collector) error {
	for {
		bufPtr := wire.PacketPool.Get().(*[]byte)
		buf := *bufPtr

		n, rawAddr, err := c.pc.ReadFrom(buf)
		if err != nil {
			wire.PacketPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		addr, ok := addrPortFromNetAddr(rawAddr)
		if !ok {
			wire.PacketPool.Put(bufPtr)
			logger.Warn("could not determine source address, dropping datagram")
			continue
		}

		seqID, pkt, decodeErr := wire.DecodeClientPacket(buf[:n])
		wire.PacketPool.Put(bufPtr)
		if decodeErr != nil {
			logger.Warn("dropping malformed datagram", slog.String("addr", addr.String()), slog.String("error", decodeErr.Error()))
			collector.IncPacketsDropped()
			continue
		}

		ev := dispatch.PacketEvent{Src: addr, SeqID: seqID, Packet: pkt, Now: time.Now()}
		select {
		case events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

func addrPortFromNetAddr(a net.Addr) (netip.AddrPort, bool) {
	udpAddr, ok := a.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	return udpAddr.AddrPort(), true
}

// TickLoop posts a dispatch.TickEvent every interval until ctx is
// cancelled. Each tick carries an ack callback the dispatcher must
// invoke before TickLoop will schedule the next one, preventing tick
// pile-up if the dispatcher falls behind.
func TickLoop(ctx context.Context, interval time.Duration, events chan<- dispatch.Event) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ackCh := make(chan struct{}, 1)
	ack := func() {
		select {
		case ackCh <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ev := dispatch.TickEvent{Now: now, Ack: ack}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			select {
			case <-ackCh:
			case <-ctx.Done():
				return
			}
		}
	}
}
