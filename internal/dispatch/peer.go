package dispatch

import (
	"net/netip"
	"time"

	"github.com/kessler-dev/rendez/internal/reliability"
)

// peer is the dispatcher's per-known-client-address state: a shipper for
// outbound reliability and a receiver for inbound dedup/ack/liveness.
// Session ownership is not duplicated here — the registry is the single
// source of truth for which address owns which session.
type peer struct {
	addr     netip.AddrPort
	shipper  *reliability.Shipper
	receiver *reliability.Receiver
}

func newPeer(addr netip.AddrPort, now time.Time) *peer {
	return &peer{
		addr:     addr,
		shipper:  reliability.NewShipper(addr),
		receiver: reliability.NewReceiver(now),
	}
}
