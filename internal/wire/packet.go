// Package wire implements the rendezvous protocol's control-packet codec.
//
// This includes packet id assignment, the str8 string encoding, and the
// frame-kind prefix that distinguishes ack frames from data frames on
// outbound datagrams. All integers are little-endian on the wire.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"
)

// -------------------------------------------------------------------------
// Wire constants
// -------------------------------------------------------------------------

// MaxDatagramSize is the largest datagram the codec will read or write.
// Control packets defined here top out well under this; it exists as a
// receive-buffer size for PacketPool.
const MaxDatagramSize = 1024

// maxStringLen is the largest str8 payload (length-prefixed by a single
// byte, so 255 is the hard ceiling).
const maxStringLen = 255

// FrameKind distinguishes the two outbound (server -> client) framing
// kinds (wire byte 0).
type FrameKind uint8

const (
	// FrameAck carries no sequenceId of its own; the acked id lives in
	// the Ack payload.
	FrameAck FrameKind = 0
	// FrameData carries a shipper-assigned sequenceId ahead of the packet.
	FrameData FrameKind = 1
)

// PacketID identifies the control packet carried by a datagram.
type PacketID uint16

const (
	PacketPingPong PacketID = 0
	PacketAck      PacketID = 1
	PacketCreate   PacketID = 2
	PacketJoin     PacketID = 3
	PacketClose    PacketID = 4
	PacketError    PacketID = 5
)

// -------------------------------------------------------------------------
// Codec errors
// -------------------------------------------------------------------------

// Sentinel errors for datagram decoding failures. Every one of these
// causes the caller to discard the datagram and log, never to abort.
var (
	ErrShortBuffer   = errors.New("datagram too short")
	ErrUnknownPacket = errors.New("unknown packet id")
	ErrInvalidUTF8   = errors.New("string field is not valid UTF-8")
)

// -------------------------------------------------------------------------
// ClientPacket — client -> server control packets
// -------------------------------------------------------------------------

// ClientPacket is the decoded payload of an inbound datagram. Exactly one
// of the typed fields is meaningful, selected by Kind.
type ClientPacket struct {
	Kind PacketID

	// Ack
	AckedID uint32

	// Create
	Fingerprint       string
	PasswordProtected bool

	// Join
	SessionKey string // empty means "join any public session"
}

// -------------------------------------------------------------------------
// ServerPacket — server -> client control packets
// -------------------------------------------------------------------------

// ServerPacket is the payload handed to the Shipper for encoding. Exactly
// one of the typed fields is meaningful, selected by Kind.
type ServerPacket struct {
	Kind PacketID

	// Ack
	AckedID uint32

	// Create
	SessionKey string

	// Join
	JoinSuccess bool
	PeerAddress string

	// Error
	RelatedID uint32
	Message   string
}

// -------------------------------------------------------------------------
// PacketPool — reusable receive buffers
// -------------------------------------------------------------------------

// PacketPool hands out MaxDatagramSize buffers for UDP reads so the
// listener does not allocate one slice per datagram.
var PacketPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxDatagramSize)
		return &buf
	},
}

// -------------------------------------------------------------------------
// Encoding — server -> client
// -------------------------------------------------------------------------

// EncodeAckFrame writes an unreliable ack frame for ackedID: frameKind(0) +
// Ack payload. Ack frames are never retried, so they carry no sequenceId.
func EncodeAckFrame(ackedID uint32) []byte {
	buf := make([]byte, 0, 1+2+4)
	buf = append(buf, byte(FrameAck))
	buf = writeU16(buf, uint16(PacketAck))
	buf = writeU32(buf, ackedID)
	return buf
}

// EncodeDataFrame writes a reliable data frame: frameKind(1) + sequenceId +
// encoded ServerPacket. seqID is assigned by the caller's Shipper.
func EncodeDataFrame(seqID uint32, pkt ServerPacket) ([]byte, error) {
	buf := make([]byte, 0, 1+4+2+8)
	buf = append(buf, byte(FrameData))
	buf = writeU32(buf, seqID)

	body, err := encodeServerPacket(pkt)
	if err != nil {
		return nil, err
	}
	buf = append(buf, body...)
	return buf, nil
}

func encodeServerPacket(pkt ServerPacket) ([]byte, error) {
	var buf []byte

	switch pkt.Kind {
	case PacketPingPong:
		buf = writeU16(buf, uint16(PacketPingPong))

	case PacketAck:
		buf = writeU16(buf, uint16(PacketAck))
		buf = writeU32(buf, pkt.AckedID)

	case PacketCreate:
		buf = writeU16(buf, uint16(PacketCreate))
		buf = writeStr8(buf, pkt.SessionKey)

	case PacketJoin:
		buf = writeU16(buf, uint16(PacketJoin))
		buf = writeBool(buf, pkt.JoinSuccess)
		if pkt.JoinSuccess {
			buf = writeStr8(buf, pkt.PeerAddress)
		}

	case PacketClose:
		buf = writeU16(buf, uint16(PacketClose))

	case PacketError:
		buf = writeU16(buf, uint16(PacketError))
		buf = writeU32(buf, pkt.RelatedID)
		buf = writeStr8(buf, pkt.Message)

	default:
		return nil, fmt.Errorf("encode server packet: %w: %d", ErrUnknownPacket, pkt.Kind)
	}

	return buf, nil
}

// -------------------------------------------------------------------------
// Decoding — client -> server
// -------------------------------------------------------------------------

// DecodeClientPacket parses an inbound datagram into its sequenceId and
// ClientPacket. Decode failures (short buffer, unknown packet id, invalid
// UTF-8) are reported via err; callers must discard the datagram and log,
// never propagate the error as fatal.
func DecodeClientPacket(buf []byte) (seqID uint32, pkt ClientPacket, err error) {
	seqID, buf, err = readU32(buf)
	if err != nil {
		return 0, ClientPacket{}, fmt.Errorf("decode client packet: header: %w", err)
	}

	var kind16 uint16
	kind16, buf, err = readU16(buf)
	if err != nil {
		return 0, ClientPacket{}, fmt.Errorf("decode client packet: id: %w", err)
	}
	kind := PacketID(kind16)

	pkt.Kind = kind
	switch kind {
	case PacketPingPong, PacketClose:
		// no payload

	case PacketAck:
		pkt.AckedID, buf, err = readU32(buf)

	case PacketCreate:
		pkt.Fingerprint, buf, err = readStr8(buf)
		if err == nil {
			pkt.PasswordProtected, buf, err = readBool(buf)
		}

	case PacketJoin:
		pkt.Fingerprint, buf, err = readStr8(buf)
		if err == nil {
			pkt.SessionKey, buf, err = readStr8(buf)
		}

	default:
		return 0, ClientPacket{}, fmt.Errorf("decode client packet: %w: %d", ErrUnknownPacket, kind)
	}

	if err != nil {
		return 0, ClientPacket{}, fmt.Errorf("decode client packet: payload: %w", err)
	}

	return seqID, pkt, nil
}

// -------------------------------------------------------------------------
// Primitive readers/writers — little-endian
// -------------------------------------------------------------------------

func writeU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func writeU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func writeBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// writeStr8 truncates data to maxStringLen bytes before writing, per the
// wire format: longer strings are truncated at encode, never rejected.
func writeStr8(buf []byte, data string) []byte {
	if len(data) > maxStringLen {
		data = data[:maxStringLen]
	}
	buf = append(buf, byte(len(data)))
	return append(buf, data...)
}

func readU16(buf []byte) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, nil, ErrShortBuffer
	}
	return binary.LittleEndian.Uint16(buf[:2]), buf[2:], nil
}

func readU32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(buf[:4]), buf[4:], nil
}

func readBool(buf []byte) (bool, []byte, error) {
	if len(buf) < 1 {
		return false, nil, ErrShortBuffer
	}
	return buf[0] != 0, buf[1:], nil
}

func readStr8(buf []byte) (string, []byte, error) {
	if len(buf) < 1 {
		return "", nil, ErrShortBuffer
	}
	n := int(buf[0])
	buf = buf[1:]
	if len(buf) < n {
		return "", nil, ErrShortBuffer
	}
	data := buf[:n]
	if !utf8.Valid(data) {
		return "", nil, ErrInvalidUTF8
	}
	return string(data), buf[n:], nil
}
