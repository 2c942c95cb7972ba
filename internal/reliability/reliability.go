// Package reliability implements the per-peer reliability layer: a Shipper
// that assigns sequence ids to outbound data packets and retransmits them
// until acked, and a Receiver that deduplicates inbound data packets and
// acks every one of them, acceptable or not.
package reliability

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/kessler-dev/rendez/internal/wire"
)

// Sender abstracts the shared UDP socket so Shipper/Receiver can be
// exercised without a real network connection.
type Sender interface {
	SendTo(buf []byte, addr netip.AddrPort) error
}

// outboundPacket is a pending, possibly-unacked data frame.
type outboundPacket struct {
	id        uint32
	createdAt time.Time
	bytes     []byte
}

// -------------------------------------------------------------------------
// Shipper
// -------------------------------------------------------------------------

// Shipper assigns monotonically increasing ids to outbound data packets
// for one peer address, and retransmits unacknowledged ones on request.
// Not safe for concurrent use; the dispatcher is the only caller.
type Shipper struct {
	addr    netip.AddrPort
	nextID  uint32
	pending []outboundPacket
}

// NewShipper creates a Shipper for addr with a fresh id sequence starting
// at zero.
func NewShipper(addr netip.AddrPort) *Shipper {
	return &Shipper{addr: addr}
}

// Send assembles a data frame for pkt with the next sequence id, writes it
// best-effort via sender, and retains the bytes in the pending queue until
// Acknowledge removes them. A write failure is logged by the caller (via
// the returned error) but never prevents the packet from being queued for
// retransmission.
func (s *Shipper) Send(sender Sender, pkt wire.ServerPacket, now time.Time) error {
	id := s.nextID
	s.nextID++

	buf, err := wire.EncodeDataFrame(id, pkt)
	if err != nil {
		return fmt.Errorf("shipper send: %w", err)
	}

	sendErr := sender.SendTo(buf, s.addr)

	s.pending = append(s.pending, outboundPacket{
		id:        id,
		createdAt: now,
		bytes:     buf,
	})

	if sendErr != nil {
		return fmt.Errorf("shipper send: write to %s: %w", s.addr, sendErr)
	}
	return nil
}

// Acknowledge removes the pending entry with the given id, if present.
// Acking an id that is not pending (duplicate or late ack) is a no-op.
func (s *Shipper) Acknowledge(ackedID uint32) {
	for i, p := range s.pending {
		if p.id == ackedID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// ResendUnacknowledged resends every pending entry whose age is at least
// retryInterval. pending is maintained in ascending creation-time order,
// so the scan stops at the first entry younger than retryInterval rather
// than scanning the whole queue. If a write fails (typically a full
// send buffer) the sweep stops early for this peer to avoid
// head-of-line thrash on the next tick.
func (s *Shipper) ResendUnacknowledged(sender Sender, now time.Time, retryInterval time.Duration) {
	for _, p := range s.pending {
		if now.Sub(p.createdAt) < retryInterval {
			break
		}
		if err := sender.SendTo(p.bytes, s.addr); err != nil {
			break
		}
	}
}

// Pending returns the number of unacknowledged packets, for diagnostics
// and tests.
func (s *Shipper) Pending() int {
	return len(s.pending)
}

// -------------------------------------------------------------------------
// Receiver
// -------------------------------------------------------------------------

// Receiver tracks the next expected inbound sequence id for one peer and
// the last time any datagram was heard from it.
type Receiver struct {
	nextExpectedID uint32
	lastHeardAt    time.Time
}

// NewReceiver creates a Receiver seeded with now as the initial
// last-heard time (set again on the first processed packet).
func NewReceiver(now time.Time) *Receiver {
	return &Receiver{lastHeardAt: now}
}

// Process acks seqID unconditionally, updates lastHeardAt, and reports
// whether the packet should be surfaced to the dispatcher: ids below
// nextExpectedID are duplicates/reorders and are dropped after acking;
// otherwise nextExpectedID advances to seqID+1 and the packet surfaces.
func (r *Receiver) Process(sender Sender, addr netip.AddrPort, seqID uint32, now time.Time) (surfaced bool, err error) {
	r.lastHeardAt = now

	if sendErr := sender.SendTo(wire.EncodeAckFrame(seqID), addr); sendErr != nil {
		err = fmt.Errorf("receiver ack %s: %w", addr, sendErr)
	}

	if seqID < r.nextExpectedID {
		return false, err
	}
	r.nextExpectedID = seqID + 1
	return true, err
}

// LastHeardAt returns the timestamp of the most recently processed packet.
func (r *Receiver) LastHeardAt() time.Time {
	return r.lastHeardAt
}

// LogDrop is a convenience for the dispatcher to report a malformed or
// rejected datagram with consistent fields.
func LogDrop(logger *slog.Logger, addr netip.AddrPort, reason string, err error) {
	if err != nil {
		logger.Warn("dropping datagram", slog.String("addr", addr.String()), slog.String("reason", reason), slog.String("error", err.Error()))
		return
	}
	logger.Warn("dropping datagram", slog.String("addr", addr.String()), slog.String("reason", reason))
}
