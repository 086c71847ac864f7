// Package mediastream implements the UDP wire format described in spec.md
// §3: little-endian Data datagrams (26-byte header plus payload) and ID
// datagrams (2-byte flag plus 32-byte identifier), which share only the
// 2-byte flag field, plus the literal 5-byte "START" control message.
package mediastream

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// FlagData marks a datagram carrying sequence/QPC/QPF/payload.
	FlagData uint16 = 0x0000
	// FlagID marks a datagram carrying a 32-byte connection identifier.
	FlagID uint16 = 0x1000

	// HeaderLen is the fixed Data-frame header size: flag(2) + seq(8) + qpc(8) + qpf(8).
	HeaderLen = 26
	// IDFrameLen is the fixed ID-frame size: flag(2) + connection id(32).
	IDFrameLen = 2 + 32
	// MaxDatagram is the largest datagram this format permits.
	MaxDatagram = 64000
	// MaxPayload is the largest Data-frame payload that still fits MaxDatagram.
	MaxPayload = MaxDatagram - HeaderLen
	// MinMeaningfulDatagram is the smallest Data datagram that carries at
	// least one payload byte: header plus one byte.
	MinMeaningfulDatagram = HeaderLen + 1

	// StartMessage is the literal control datagram exchanged before streaming begins.
	StartMessage = "START"
)

// ErrIncomplete is returned by DecodeData and DecodeID when raw does not yet
// contain a full frame.
var ErrIncomplete = errors.New("mediastream: incomplete datagram")

// DataFrame is a decoded Data datagram.
type DataFrame struct {
	Sequence uint64
	QPC      uint64
	QPF      uint64
	Payload  []byte
}

// EncodeData serializes a Data datagram into dst (grown as needed) and
// returns the resulting slice. payload is not copied further than appended.
func EncodeData(seq, qpc, qpf uint64, payload []byte, dst []byte) ([]byte, error) {
	if HeaderLen+len(payload) > MaxDatagram {
		return nil, errors.Errorf("mediastream: datagram of %d bytes exceeds max %d", HeaderLen+len(payload), MaxDatagram)
	}
	buf := dst[:0]
	var hdr [HeaderLen]byte
	binary.LittleEndian.PutUint16(hdr[0:2], FlagData)
	binary.LittleEndian.PutUint64(hdr[2:10], seq)
	binary.LittleEndian.PutUint64(hdr[10:18], qpc)
	binary.LittleEndian.PutUint64(hdr[18:26], qpf)
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeData parses a Data datagram. raw must be exactly the datagram bytes
// (as delivered by a single UDP recv).
func DecodeData(raw []byte) (*DataFrame, error) {
	if len(raw) < HeaderLen {
		return nil, ErrIncomplete
	}
	flag := binary.LittleEndian.Uint16(raw[0:2])
	if flag != FlagData {
		return nil, errors.Errorf("mediastream: expected data flag, got 0x%04x", flag)
	}
	f := &DataFrame{
		Sequence: binary.LittleEndian.Uint64(raw[2:10]),
		QPC:      binary.LittleEndian.Uint64(raw[10:18]),
		QPF:      binary.LittleEndian.Uint64(raw[18:26]),
	}
	if len(raw) > HeaderLen {
		f.Payload = append([]byte(nil), raw[HeaderLen:]...)
	}
	return f, nil
}

// EncodeID serializes an ID datagram carrying the given 32-byte connection identifier.
func EncodeID(id [32]byte, dst []byte) []byte {
	buf := dst[:0]
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], FlagID)
	buf = append(buf, hdr[:]...)
	buf = append(buf, id[:]...)
	return buf
}

// DecodeID parses an ID datagram.
func DecodeID(raw []byte) ([32]byte, error) {
	var id [32]byte
	if len(raw) < IDFrameLen {
		return id, ErrIncomplete
	}
	flag := binary.LittleEndian.Uint16(raw[0:2])
	if flag != FlagID {
		return id, errors.Errorf("mediastream: expected id flag, got 0x%04x", flag)
	}
	copy(id[:], raw[2:34])
	return id, nil
}

// IsStart reports whether raw is exactly the literal START control message.
func IsStart(raw []byte) bool {
	return string(raw) == StartMessage
}
