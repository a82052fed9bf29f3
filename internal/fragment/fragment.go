// Package fragment splits oversized packets into wire-sized chunks and
// reassembles them on the receiving side, tolerating reordering and
// duplicates and bounding memory with a timeout per transfer.
package fragment

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// TransferIDSize is the byte length of a fragment's transfer identifier.
const TransferIDSize = 16

// Fragment is one chunk of a split payload. TTL and recipient are carried
// by the enclosing wire.Packet (type Fragment); this struct is the
// fragment-specific payload layout: transferID(16) | index(2) | total(2) | chunk.
type Fragment struct {
	TransferID [TransferIDSize]byte
	Index      uint16
	Total      uint16
	Chunk      []byte
}

// Encode serializes a Fragment to its payload bytes.
func (f *Fragment) Encode() []byte {
	out := make([]byte, TransferIDSize+2+2+len(f.Chunk))
	copy(out, f.TransferID[:])
	binary.BigEndian.PutUint16(out[TransferIDSize:], f.Index)
	binary.BigEndian.PutUint16(out[TransferIDSize+2:], f.Total)
	copy(out[TransferIDSize+4:], f.Chunk)
	return out
}

// Decode parses fragment payload bytes produced by Encode.
func Decode(data []byte) (*Fragment, error) {
	if len(data) < TransferIDSize+4 {
		return nil, fmt.Errorf("fragment: truncated fragment payload")
	}
	f := &Fragment{}
	copy(f.TransferID[:], data[:TransferIDSize])
	f.Index = binary.BigEndian.Uint16(data[TransferIDSize:])
	f.Total = binary.BigEndian.Uint16(data[TransferIDSize+2:])
	f.Chunk = append([]byte(nil), data[TransferIDSize+4:]...)
	return f, nil
}

// Split divides payload into ceil(len(payload)/mtu) fragments sharing a
// fresh random transfer ID.
func Split(payload []byte, mtu int) ([]*Fragment, error) {
	if mtu <= 0 {
		return nil, fmt.Errorf("fragment: mtu must be positive")
	}
	var transferID [TransferIDSize]byte
	if _, err := rand.Read(transferID[:]); err != nil {
		return nil, fmt.Errorf("fragment: generate transfer id: %w", err)
	}

	total := (len(payload) + mtu - 1) / mtu
	if total == 0 {
		total = 1
	}
	if total > 0xFFFF {
		return nil, fmt.Errorf("fragment: payload requires too many fragments (%d)", total)
	}

	frags := make([]*Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * mtu
		end := start + mtu
		if end > len(payload) {
			end = len(payload)
		}
		frags = append(frags, &Fragment{
			TransferID: transferID,
			Index:      uint16(i),
			Total:      uint16(total),
			Chunk:      payload[start:end],
		})
	}
	return frags, nil
}
