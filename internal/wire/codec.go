package wire

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
)

// Encode serializes a Packet to its wire representation. It does not pad or
// compress; callers that want compression set FlagIsCompressed and supply an
// already-compressed Payload produced by CompressPayload.
func Encode(p *Packet) ([]byte, error) {
	if p.Version != Version1 && p.Version != Version2 {
		return nil, fmt.Errorf("wire: encode: %w: %d", ErrUnknownVersion, p.Version)
	}
	if len(p.Payload) > MaxPacketSize {
		return nil, fmt.Errorf("wire: encode: %w", ErrLengthExceeded)
	}

	header := p.HeaderSize()
	size := header + SenderIDSize + len(p.Payload)
	if p.Flags.Has(FlagHasRecipient) {
		size += RecipientIDSize
	}
	if p.Flags.Has(FlagHasSignature) {
		size += SignatureSize
	}

	buf := make([]byte, size)
	buf[0] = byte(p.Version)
	buf[1] = byte(p.Type)
	buf[2] = p.TTL
	binary.BigEndian.PutUint64(buf[3:11], uint64(p.Timestamp))
	buf[11] = byte(p.Flags)

	if p.Version == Version1 {
		binary.BigEndian.PutUint16(buf[12:14], uint16(len(p.Payload)))
	} else {
		binary.BigEndian.PutUint32(buf[12:16], uint32(len(p.Payload)))
	}

	off := header
	copy(buf[off:off+SenderIDSize], p.SenderID[:])
	off += SenderIDSize

	if p.Flags.Has(FlagHasRecipient) {
		copy(buf[off:off+RecipientIDSize], p.RecipientID[:])
		off += RecipientIDSize
	}

	copy(buf[off:off+len(p.Payload)], p.Payload)
	off += len(p.Payload)

	if p.Flags.Has(FlagHasSignature) {
		copy(buf[off:off+SignatureSize], p.Signature[:])
		off += SignatureSize
	}

	return buf, nil
}

// Decode parses a wire frame into a Packet. It returns one of the sentinel
// errors in errors.go on malformed input.
func Decode(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, ErrTruncated
	}
	version := Version(data[0])
	if version != Version1 && version != Version2 {
		return nil, fmt.Errorf("wire: decode: %w: %d", ErrUnknownVersion, data[0])
	}

	header := HeaderSizeV1
	if version == Version2 {
		header = HeaderSizeV2
	}
	if len(data) < header {
		return nil, ErrTruncated
	}

	p := &Packet{Version: version}
	p.Type = Type(data[1])
	p.TTL = data[2]
	p.Timestamp = int64(binary.BigEndian.Uint64(data[3:11]))
	p.Flags = Flags(data[11])

	var payloadLen int
	if version == Version1 {
		payloadLen = int(binary.BigEndian.Uint16(data[12:14]))
	} else {
		payloadLen = int(binary.BigEndian.Uint32(data[12:16]))
	}
	if payloadLen > MaxPacketSize {
		return nil, fmt.Errorf("wire: decode: %w: %d", ErrLengthExceeded, payloadLen)
	}

	need := header + SenderIDSize
	if p.Flags.Has(FlagHasRecipient) {
		need += RecipientIDSize
	}
	need += payloadLen
	if p.Flags.Has(FlagHasSignature) {
		need += SignatureSize
	}
	if len(data) < need {
		return nil, ErrTruncated
	}

	off := header
	copy(p.SenderID[:], data[off:off+SenderIDSize])
	off += SenderIDSize

	if p.Flags.Has(FlagHasRecipient) {
		copy(p.RecipientID[:], data[off:off+RecipientIDSize])
		off += RecipientIDSize
	}

	p.Payload = append([]byte(nil), data[off:off+payloadLen]...)
	off += payloadLen

	if p.Flags.Has(FlagHasSignature) {
		copy(p.Signature[:], data[off:off+SignatureSize])
		off += SignatureSize
	}

	return p, nil
}

// CompressPayload zlib-compresses raw and prepends the raw-length field
// (2 bytes for v1, 4 for v2) per the isCompressed payload layout.
func CompressPayload(version Version, raw []byte) ([]byte, error) {
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("wire: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("wire: compress: %w", err)
	}

	lenField := 2
	if version == Version2 {
		lenField = 4
	}
	out := make([]byte, lenField+compressed.Len())
	if version == Version1 {
		binary.BigEndian.PutUint16(out[:2], uint16(len(raw)))
	} else {
		binary.BigEndian.PutUint32(out[:4], uint32(len(raw)))
	}
	copy(out[lenField:], compressed.Bytes())
	return out, nil
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(version Version, payload []byte) ([]byte, error) {
	lenField := 2
	if version == Version2 {
		lenField = 4
	}
	if len(payload) < lenField {
		return nil, fmt.Errorf("wire: decompress: %w", ErrTruncated)
	}

	var rawLen int
	if version == Version1 {
		rawLen = int(binary.BigEndian.Uint16(payload[:2]))
	} else {
		rawLen = int(binary.BigEndian.Uint32(payload[:4]))
	}

	r, err := zlib.NewReader(bytes.NewReader(payload[lenField:]))
	if err != nil {
		return nil, fmt.Errorf("wire: decompress: %w: %v", ErrBadCompression, err)
	}
	defer r.Close()

	raw := make([]byte, rawLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("wire: decompress: %w: %v", ErrBadCompression, err)
	}
	return raw, nil
}
