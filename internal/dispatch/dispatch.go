// Package dispatch implements the single-writer event loop: the sole
// mutator of peer and session state, driven by a channel of inbound
// datagram and clock-tick events.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/kessler-dev/rendez/internal/metrics"
	"github.com/kessler-dev/rendez/internal/reliability"
	"github.com/kessler-dev/rendez/internal/rendezvous"
	"github.com/kessler-dev/rendez/internal/wire"
)

// Config bundles the housekeeping cadences the dispatcher needs; all
// three come from internal/config, with defaults matching the protocol's
// original hard-coded constants.
type Config struct {
	MaxSilence      time.Duration
	MaxPingPongRate time.Duration
	TickInterval    time.Duration
}

// Dispatcher owns every Peer and the session Registry. It is not safe
// for concurrent use: Run's goroutine is the only writer, by design.
type Dispatcher struct {
	sender       reliability.Sender
	registry     *rendezvous.Registry
	fingerprints rendezvous.Fingerprints
	logger       *slog.Logger
	metrics      *metrics.Collector
	cfg          Config

	peers            map[netip.AddrPort]*peer
	lastGlobalPingAt time.Time
}

// New builds a Dispatcher. sender is the shared outbound socket wrapper;
// fingerprints is the allow-list loaded once at startup.
func New(sender reliability.Sender, fingerprints rendezvous.Fingerprints, logger *slog.Logger, collector *metrics.Collector, cfg Config) *Dispatcher {
	return &Dispatcher{
		sender:       sender,
		registry:     rendezvous.NewRegistry(),
		fingerprints: fingerprints,
		logger:       logger,
		metrics:      collector,
		cfg:          cfg,
		peers:        make(map[netip.AddrPort]*peer),
	}
}

// Run consumes events until ctx is cancelled or the channel closes. A
// closed channel means both producer goroutines have died, which is
// fatal to the process — Run returns a non-nil error in that case.
func (d *Dispatcher) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("dispatch: event channel closed")
			}
			d.handle(ev)
		}
	}
}

func (d *Dispatcher) handle(ev Event) {
	switch e := ev.(type) {
	case TickEvent:
		e.Ack()
		d.handleTick(e.Now)
	case PacketEvent:
		d.handlePacket(e.Src, e.SeqID, e.Packet, e.Now)
	case StatsEvent:
		e.Reply <- Stats{
			SessionsActive: d.registry.Len(),
			PeersActive:    len(d.peers),
		}
	}
}

// handlePacket is the §4.4 routing logic: unknown sources get a fresh
// Peer, Ack packets bypass the receiver entirely, everything else goes
// through the receiver's ordering/ack check before reaching the
// session-registry handler.
func (d *Dispatcher) handlePacket(src netip.AddrPort, seqID uint32, pkt wire.ClientPacket, now time.Time) {
	d.metrics.IncPacketsReceived()

	p, existed := d.peers[src]
	if !existed {
		p = newPeer(src, now)
	}

	if pkt.Kind == wire.PacketAck {
		d.peers[src] = p
		p.shipper.Acknowledge(pkt.AckedID)
		return
	}

	surfaced, err := p.receiver.Process(d.sender, src, seqID, now)
	if err != nil {
		d.logger.Warn("ack write failed", slog.String("addr", src.String()), slog.String("error", err.Error()))
	}
	if !surfaced {
		return
	}
	if !existed {
		d.peers[src] = p
	}

	d.handleSessionPacket(p, seqID, pkt, now)
}

// handleSessionPacket is §4.3's control-packet dispatch.
func (d *Dispatcher) handleSessionPacket(p *peer, seqID uint32, pkt wire.ClientPacket, now time.Time) {
	switch pkt.Kind {
	case wire.PacketPingPong:
		// Liveness is already captured by the receiver's lastHeardAt.

	case wire.PacketCreate:
		d.handleCreate(p, seqID, pkt, now)

	case wire.PacketJoin:
		d.handleJoin(p, pkt, now)

	case wire.PacketClose:
		d.registry.DropByHost(p.addr)

	default:
		d.logger.Warn("unexpected packet kind reached session handler",
			slog.String("addr", p.addr.String()), slog.Int("kind", int(pkt.Kind)))
	}
}

func (d *Dispatcher) handleCreate(p *peer, seqID uint32, pkt wire.ClientPacket, now time.Time) {
	if !d.fingerprints.Accepts(pkt.Fingerprint) {
		d.logger.Warn("create from unknown fingerprint", slog.String("addr", p.addr.String()))
		d.metrics.IncPacketsDropped()
		return
	}

	if d.registry.HasSession(p.addr) {
		d.send(p, wire.ServerPacket{
			Kind:      wire.PacketError,
			RelatedID: seqID,
			Message:   "Session failed to create",
		}, now)
		return
	}

	sess, err := d.registry.Create(pkt.Fingerprint, pkt.PasswordProtected, p.addr, now)
	if err != nil {
		d.logger.Error("session key allocation failed", slog.String("error", err.Error()))
		d.send(p, wire.ServerPacket{
			Kind:      wire.PacketError,
			RelatedID: seqID,
			Message:   "Session failed to create",
		}, now)
		return
	}

	d.send(p, wire.ServerPacket{Kind: wire.PacketCreate, SessionKey: string(sess.Key)}, now)
}

func (d *Dispatcher) handleJoin(p *peer, pkt wire.ClientPacket, now time.Time) {
	if !d.fingerprints.Accepts(pkt.Fingerprint) {
		d.logger.Warn("join from unknown fingerprint", slog.String("addr", p.addr.String()))
		d.metrics.IncPacketsDropped()
		return
	}

	var target *rendezvous.Session
	var ok bool
	if pkt.SessionKey == "" {
		target, ok = d.registry.FindAnyPublic(p.addr)
	} else {
		target, ok = d.registry.FindByKey(rendezvous.SessionKey(pkt.SessionKey))
		if ok && target.Host == p.addr {
			ok = false
		}
	}

	if !ok {
		d.send(p, wire.ServerPacket{Kind: wire.PacketJoin, JoinSuccess: false}, now)
		return
	}

	d.send(p, wire.ServerPacket{Kind: wire.PacketJoin, JoinSuccess: true, PeerAddress: target.Host.String()}, now)
	if hostPeer, ok := d.peers[target.Host]; ok {
		d.send(hostPeer, wire.ServerPacket{Kind: wire.PacketJoin, JoinSuccess: true, PeerAddress: p.addr.String()}, now)
	}

	d.registry.DropByHost(target.Host)
	d.registry.DropByHost(p.addr)
	d.metrics.IncPairings()
}

// handleTick is §4.3's keepalive/eviction/resend sweep. A peer either
// gets added to the kick list (silence timeout) or, if still alive, is
// considered for the single server-wide ping before its resend sweep
// runs; lastGlobalPingAt is shared across every peer in the loop, so at
// most one peer is pinged per tick regardless of how many are iterated.
func (d *Dispatcher) handleTick(now time.Time) {
	var evictions []netip.AddrPort

	for addr, p := range d.peers {
		if now.Sub(p.receiver.LastHeardAt()) > d.cfg.MaxSilence {
			evictions = append(evictions, addr)
			continue
		}

		if now.Sub(d.lastGlobalPingAt) >= d.cfg.MaxPingPongRate {
			d.send(p, wire.ServerPacket{Kind: wire.PacketPingPong}, now)
			d.lastGlobalPingAt = now
			d.metrics.IncPings()
		}

		p.shipper.ResendUnacknowledged(d.sender, now, d.cfg.TickInterval)
	}

	for _, addr := range evictions {
		d.evict(addr)
	}

	d.metrics.SetSnapshot(d.registry.Len(), len(d.peers))
}

// evict sends a single best-effort Close frame outside the shipper's
// retransmit queue (no retry), then removes the peer and any session it
// owned.
func (d *Dispatcher) evict(addr netip.AddrPort) {
	buf, err := wire.EncodeDataFrame(0, wire.ServerPacket{Kind: wire.PacketClose})
	if err == nil {
		if err := d.sender.SendTo(buf, addr); err != nil {
			d.logger.Warn("eviction close write failed", slog.String("addr", addr.String()), slog.String("error", err.Error()))
		} else {
			d.metrics.IncPacketsSent()
		}
	}
	delete(d.peers, addr)
	d.registry.DropByHost(addr)
	d.metrics.IncEvictions()
}

func (d *Dispatcher) send(p *peer, pkt wire.ServerPacket, now time.Time) {
	if err := p.shipper.Send(d.sender, pkt, now); err != nil {
		d.logger.Warn("send failed", slog.String("addr", p.addr.String()), slog.String("error", err.Error()))
		return
	}
	d.metrics.IncPacketsSent()
}
