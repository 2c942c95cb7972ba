package dispatch

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readU32ForTest(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, errors.New("short buffer")
	}
	return binary.LittleEndian.Uint32(buf[:4]), buf[4:], nil
}

func readU16ForTest(buf []byte) (uint16, []byte, error) {
	if len(buf) < 2 {
		return 0, nil, errors.New("short buffer")
	}
	return binary.LittleEndian.Uint16(buf[:2]), buf[2:], nil
}
