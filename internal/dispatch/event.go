package dispatch

import (
	"net/netip"
	"time"

	"github.com/kessler-dev/rendez/internal/wire"
)

// Event is the sum type consumed by Dispatcher.Run. Only TickEvent,
// PacketEvent, and StatsEvent implement it.
type Event interface {
	isEvent()
}

// TickEvent is a clock-source pulse. Ack must be invoked by the
// dispatcher before it returns to the select loop, so the clock source
// knows it may schedule its next tick; this is how tick pile-up is
// avoided when housekeeping runs long.
type TickEvent struct {
	Now time.Time
	Ack func()
}

func (TickEvent) isEvent() {}

// PacketEvent is one parsed inbound datagram.
type PacketEvent struct {
	Src    netip.AddrPort
	SeqID  uint32
	Packet wire.ClientPacket
	Now    time.Time
}

func (PacketEvent) isEvent() {}

// Stats is a point-in-time snapshot of dispatcher-owned state, read
// without mutating it.
type Stats struct {
	SessionsActive int
	PeersActive    int
}

// StatsEvent asks the dispatcher to compute a Stats snapshot and deliver
// it on Reply. Routed through the same event channel as everything else
// so the single-writer invariant holds even for reads.
type StatsEvent struct {
	Reply chan<- Stats
}

func (StatsEvent) isEvent() {}
