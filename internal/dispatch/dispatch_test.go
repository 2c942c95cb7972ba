package dispatch

import (
	"net/netip"
	"testing"
	"time"

	"github.com/kessler-dev/rendez/internal/rendezvous"
	"github.com/kessler-dev/rendez/internal/wire"
)

type sentPacket struct {
	addr netip.AddrPort
	buf  []byte
}

type fakeSender struct {
	sent []sentPacket
}

func (f *fakeSender) SendTo(buf []byte, addr netip.AddrPort) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.sent = append(f.sent, sentPacket{addr: addr, buf: cp})
	return nil
}

func (f *fakeSender) framesTo(addr netip.AddrPort) [][]byte {
	var out [][]byte
	for _, sp := range f.sent {
		if sp.addr == addr {
			out = append(out, sp.buf)
		}
	}
	return out
}

func mustAddr(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatal(err)
	}
	return ap
}

func newTestDispatcher(fps rendezvous.Fingerprints) (*Dispatcher, *fakeSender) {
	sender := &fakeSender{}
	d := New(sender, fps, testLogger(), nil, Config{
		MaxSilence:      30 * time.Second,
		MaxPingPongRate: 5 * time.Second,
		TickInterval:    50 * time.Millisecond,
	})
	return d, sender
}

func decodeFrame(t *testing.T, buf []byte) (kind wire.FrameKind, seqID uint32, packetID wire.PacketID) {
	t.Helper()
	kind = wire.FrameKind(buf[0])
	rest := buf[1:]
	if kind == wire.FrameData {
		var err error
		var v uint32
		v, rest, err = readU32ForTest(rest)
		if err != nil {
			t.Fatal(err)
		}
		seqID = v
	}
	pid, _, err := readU16ForTest(rest)
	if err != nil {
		t.Fatal(err)
	}
	return kind, seqID, wire.PacketID(pid)
}

func TestScenario1_CreateAndJoinByKey(t *testing.T) {
	fps := rendezvous.Fingerprints{"abc": {}}
	d, sender := newTestDispatcher(fps)
	now := time.Now()

	h := mustAddr(t, "1.1.1.1:1000")
	j := mustAddr(t, "2.2.2.2:2000")

	d.handlePacket(h, 0, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "abc", PasswordProtected: false}, now)

	hFrames := sender.framesTo(h)
	if len(hFrames) != 2 {
		t.Fatalf("frames to H = %d, want 2 (ack + create)", len(hFrames))
	}
	kind0, _, pid0 := decodeFrame(t, hFrames[0])
	if kind0 != wire.FrameAck || pid0 != wire.PacketAck {
		t.Fatalf("first frame to H = %v/%v, want ack frame", kind0, pid0)
	}
	kind1, seq1, pid1 := decodeFrame(t, hFrames[1])
	if kind1 != wire.FrameData || pid1 != wire.PacketCreate || seq1 != 0 {
		t.Fatalf("second frame to H = kind %v id %v pid %v, want data/0/create", kind1, seq1, pid1)
	}

	if d.registry.Len() != 1 {
		t.Fatalf("sessions = %d, want 1", d.registry.Len())
	}
	key := d.registry.Keys()[0]

	d.handlePacket(j, 0, wire.ClientPacket{Kind: wire.PacketJoin, Fingerprint: "abc", SessionKey: string(key)}, now)

	jFrames := sender.framesTo(j)
	if len(jFrames) != 2 {
		t.Fatalf("frames to J = %d, want 2 (ack + join)", len(jFrames))
	}
	_, _, jPid := decodeFrame(t, jFrames[1])
	if jPid != wire.PacketJoin {
		t.Fatalf("second frame to J = %v, want join", jPid)
	}

	hFramesAfter := sender.framesTo(h)
	if len(hFramesAfter) != 3 {
		t.Fatalf("frames to H after join = %d, want 3 (ack + create + join)", len(hFramesAfter))
	}
	_, _, hPid := decodeFrame(t, hFramesAfter[2])
	if hPid != wire.PacketJoin {
		t.Fatalf("third frame to H = %v, want join", hPid)
	}

	if d.registry.Len() != 0 {
		t.Fatalf("sessions after pairing = %d, want 0", d.registry.Len())
	}
	if len(d.peers) != 2 {
		t.Fatalf("peers after pairing = %d, want 2 (both remain)", len(d.peers))
	}
}

func TestScenario2_JoinAnyPublicExcludesPasswordProtectedAndSelf(t *testing.T) {
	fps := rendezvous.Fingerprints{"abc": {}}
	d, sender := newTestDispatcher(fps)
	now := time.Now()

	h1 := mustAddr(t, "1.1.1.1:1")
	h2 := mustAddr(t, "2.2.2.2:2")
	j := mustAddr(t, "3.3.3.3:3")

	d.handlePacket(h1, 0, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "abc", PasswordProtected: false}, now)
	d.handlePacket(h2, 0, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "abc", PasswordProtected: true}, now)

	d.handlePacket(j, 0, wire.ClientPacket{Kind: wire.PacketJoin, Fingerprint: "abc", SessionKey: ""}, now)

	jFrames := sender.framesTo(j)
	_, _, jPid := decodeFrame(t, jFrames[len(jFrames)-1])
	if jPid != wire.PacketJoin {
		t.Fatalf("last frame to J = %v, want join", jPid)
	}

	h1Frames := sender.framesTo(h1)
	if len(h1Frames) != 3 {
		t.Fatalf("frames to H1 = %d, want 3 (ack+create+join); H2 should not be paired", len(h1Frames))
	}
	h2Frames := sender.framesTo(h2)
	if len(h2Frames) != 2 {
		t.Fatalf("frames to H2 = %d, want 2 (ack+create only)", len(h2Frames))
	}
}

func TestScenario2b_OnlyPasswordProtectedYieldsJoinFailure(t *testing.T) {
	fps := rendezvous.Fingerprints{"abc": {}}
	d, sender := newTestDispatcher(fps)
	now := time.Now()

	h := mustAddr(t, "1.1.1.1:1")
	j := mustAddr(t, "2.2.2.2:2")

	d.handlePacket(h, 0, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "abc", PasswordProtected: true}, now)
	d.handlePacket(j, 0, wire.ClientPacket{Kind: wire.PacketJoin, Fingerprint: "abc", SessionKey: ""}, now)

	jFrames := sender.framesTo(j)
	last := jFrames[len(jFrames)-1]
	_, _, pid := decodeFrame(t, last)
	if pid != wire.PacketJoin {
		t.Fatalf("expected a join frame, got pid %v", pid)
	}
	// frameKind(1) + seqID(4) + packetID(2) + success bool(1) = 8 bytes
	// exactly when success is false (no peer address payload).
	if len(last) != 8 {
		t.Fatalf("join frame length = %d, want 8 (success=false, no address)", len(last))
	}
}

func TestJoinAnyPublicPairsAcrossDifferentAcceptedFingerprints(t *testing.T) {
	fps := rendezvous.Fingerprints{"abc": {}, "xyz": {}}
	d, sender := newTestDispatcher(fps)
	now := time.Now()

	h := mustAddr(t, "1.1.1.1:1")
	j := mustAddr(t, "2.2.2.2:2")

	d.handlePacket(h, 0, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "abc", PasswordProtected: false}, now)
	d.handlePacket(j, 0, wire.ClientPacket{Kind: wire.PacketJoin, Fingerprint: "xyz", SessionKey: ""}, now)

	jFrames := sender.framesTo(j)
	_, _, jPid := decodeFrame(t, jFrames[len(jFrames)-1])
	if jPid != wire.PacketJoin {
		t.Fatalf("last frame to J = %v, want join", jPid)
	}
	last := jFrames[len(jFrames)-1]
	if len(last) == 8 {
		t.Fatal("expected a successful join (with peer address payload), got failure frame")
	}

	if d.registry.Len() != 0 {
		t.Fatalf("sessions after pairing = %d, want 0", d.registry.Len())
	}
}

func TestScenario3_UnknownFingerprintSilentlyIgnored(t *testing.T) {
	fps := rendezvous.Fingerprints{"abc": {}}
	d, sender := newTestDispatcher(fps)
	now := time.Now()

	x := mustAddr(t, "9.9.9.9:9")
	d.handlePacket(x, 0, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "nope", PasswordProtected: false}, now)

	frames := sender.framesTo(x)
	if len(frames) != 1 {
		t.Fatalf("frames to X = %d, want 1 (ack only)", len(frames))
	}
	kind, _, pid := decodeFrame(t, frames[0])
	if kind != wire.FrameAck || pid != wire.PacketAck {
		t.Fatalf("frame = %v/%v, want ack frame", kind, pid)
	}
	if d.registry.Len() != 0 {
		t.Fatalf("sessions = %d, want 0", d.registry.Len())
	}
}

func TestScenario4_SilenceEviction(t *testing.T) {
	fps := rendezvous.Fingerprints{"abc": {}}
	d, sender := newTestDispatcher(fps)
	t0 := time.Now()

	q := mustAddr(t, "4.4.4.4:4")
	d.handlePacket(q, 0, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "abc", PasswordProtected: false}, t0)

	sender.sent = nil
	d.handleTick(t0.Add(31 * time.Second))

	if _, ok := d.peers[q]; ok {
		t.Fatal("expected peer to be evicted")
	}
	if d.registry.Len() != 0 {
		t.Fatalf("sessions after eviction = %d, want 0", d.registry.Len())
	}

	frames := sender.framesTo(q)
	if len(frames) != 1 {
		t.Fatalf("frames to Q = %d, want 1 (close)", len(frames))
	}
	_, _, pid := decodeFrame(t, frames[0])
	if pid != wire.PacketClose {
		t.Fatalf("pid = %v, want close", pid)
	}
}

func TestScenario5_RetransmitUntilAck(t *testing.T) {
	fps := rendezvous.Fingerprints{"abc": {}}
	d, sender := newTestDispatcher(fps)
	t0 := time.Now()

	p := mustAddr(t, "5.5.5.5:5")
	d.handlePacket(p, 0, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "abc", PasswordProtected: false}, t0)
	d.lastGlobalPingAt = t0 // suppress ping emission for this test

	sender.sent = nil
	d.handleTick(t0.Add(60 * time.Millisecond)) // past tickInterval, resends create
	if len(sender.framesTo(p)) == 0 {
		t.Fatal("expected a resend")
	}

	d.handlePacket(p, 1, wire.ClientPacket{Kind: wire.PacketAck, AckedID: 0}, t0.Add(70*time.Millisecond))
	sender.sent = nil
	d.handleTick(t0.Add(200 * time.Millisecond))
	if len(sender.framesTo(p)) != 0 {
		t.Fatal("expected no further resends after ack")
	}
}

func TestScenario6_DuplicateReorderSuppression(t *testing.T) {
	fps := rendezvous.Fingerprints{"abc": {}}
	d, sender := newTestDispatcher(fps)
	now := time.Now()

	p := mustAddr(t, "6.6.6.6:6")
	d.handlePacket(p, 5, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "abc", PasswordProtected: false}, now)
	d.handlePacket(p, 5, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "abc", PasswordProtected: false}, now)
	d.handlePacket(p, 4, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "abc", PasswordProtected: false}, now)

	if d.registry.Len() != 1 {
		t.Fatalf("sessions = %d, want 1 (exactly one surfaced Create)", d.registry.Len())
	}

	frames := sender.framesTo(p)
	ackCount := 0
	createCount := 0
	for _, buf := range frames {
		_, _, pid := decodeFrame(t, buf)
		switch pid {
		case wire.PacketAck:
			ackCount++
		case wire.PacketCreate:
			createCount++
		}
	}
	if ackCount != 3 {
		t.Fatalf("acks = %d, want 3", ackCount)
	}
	if createCount != 1 {
		t.Fatalf("creates = %d, want 1", createCount)
	}
}

func TestSinglePingPerWindowRegardlessOfPeerCount(t *testing.T) {
	fps := rendezvous.Fingerprints{"abc": {}}
	d, sender := newTestDispatcher(fps)
	t0 := time.Now()

	for i := 0; i < 5; i++ {
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{7, 7, 7, byte(i)}), 7000)
		d.handlePacket(addr, 0, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "abc", PasswordProtected: false}, t0)
	}

	sender.sent = nil
	d.handleTick(t0.Add(6 * time.Second))

	pingCount := 0
	for _, sp := range sender.sent {
		_, _, pid := decodeFrame(t, sp.buf)
		if pid == wire.PacketPingPong {
			pingCount++
		}
	}
	if pingCount != 1 {
		t.Fatalf("pings sent in one tick sweep = %d, want exactly 1", pingCount)
	}
}

func TestCreateWhenSessionAlreadyExistsShipsError(t *testing.T) {
	fps := rendezvous.Fingerprints{"abc": {}}
	d, sender := newTestDispatcher(fps)
	now := time.Now()

	h := mustAddr(t, "1.1.1.1:1")
	d.handlePacket(h, 0, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "abc", PasswordProtected: false}, now)
	d.handlePacket(h, 1, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "abc", PasswordProtected: false}, now)

	frames := sender.framesTo(h)
	_, _, lastPid := decodeFrame(t, frames[len(frames)-1])
	if lastPid != wire.PacketError {
		t.Fatalf("pid = %v, want error", lastPid)
	}
	if d.registry.Len() != 1 {
		t.Fatalf("sessions = %d, want 1 (second create rejected)", d.registry.Len())
	}
}

func TestCloseDropsSessionOnly(t *testing.T) {
	fps := rendezvous.Fingerprints{"abc": {}}
	d, _ := newTestDispatcher(fps)
	now := time.Now()

	h := mustAddr(t, "1.1.1.1:1")
	d.handlePacket(h, 0, wire.ClientPacket{Kind: wire.PacketCreate, Fingerprint: "abc", PasswordProtected: false}, now)
	d.handlePacket(h, 1, wire.ClientPacket{Kind: wire.PacketClose}, now)

	if d.registry.Len() != 0 {
		t.Fatalf("sessions = %d, want 0", d.registry.Len())
	}
	if _, ok := d.peers[h]; !ok {
		t.Fatal("expected peer to remain after Close")
	}
}
