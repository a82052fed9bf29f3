// Package wire implements the binary packet codec: encode/decode of the
// versioned header, optional zlib payload compression, and PKCS#7-style
// padding to a small set of standard block sizes.
package wire

import "fmt"

// Version identifies the header layout in use.
type Version uint8

const (
	Version1 Version = 1
	Version2 Version = 2
)

// Type enumerates the kinds of packet that cross the wire.
type Type uint8

const (
	TypeAnnounce       Type = 0x01
	TypeMessage        Type = 0x02
	TypeLeave          Type = 0x03
	TypeNoiseHandshake Type = 0x10
	TypeNoiseEncrypted Type = 0x11
	TypeFragment       Type = 0x20
	TypeRequestSync    Type = 0x21
	TypeFileTransfer   Type = 0x22
)

func (t Type) String() string {
	switch t {
	case TypeAnnounce:
		return "Announce"
	case TypeMessage:
		return "Message"
	case TypeLeave:
		return "Leave"
	case TypeNoiseHandshake:
		return "NoiseHandshake"
	case TypeNoiseEncrypted:
		return "NoiseEncrypted"
	case TypeFragment:
		return "Fragment"
	case TypeRequestSync:
		return "RequestSync"
	case TypeFileTransfer:
		return "FileTransfer"
	default:
		return fmt.Sprintf("Type(0x%02x)", uint8(t))
	}
}

// Flags is a bitset carried in byte 11 of the header.
type Flags uint8

const (
	FlagHasRecipient Flags = 1 << iota
	FlagHasSignature
	FlagIsCompressed
	FlagHasRoute
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

const (
	// SenderIDSize and RecipientIDSize are both 8, matching identity.Size.
	SenderIDSize    = 8
	RecipientIDSize = 8
	SignatureSize   = 64

	HeaderSizeV1 = 14
	HeaderSizeV2 = 16

	// MaxPacketSize is the hard cap on the declared payload length,
	// configurable but defaulting to 64 KiB.
	MaxPacketSize = 65536

	// Padding block sizes a frame may be padded to before transmission.
	// Frames larger than the largest block are fragmented instead.
	MaxPadBlock = 2048
)

var padBlocks = []int{256, 512, 1024, 2048}

// Packet is the unit that crosses a wire. Flags is the single source of
// truth for which optional sections (RecipientID, Signature) are present and
// whether the payload is zlib-compressed or carries route state; callers set
// it directly rather than through separate booleans.
type Packet struct {
	Version     Version
	Type        Type
	TTL         uint8
	Timestamp   int64 // milliseconds since epoch
	Flags       Flags
	SenderID    [SenderIDSize]byte
	RecipientID [RecipientIDSize]byte
	Payload     []byte
	Signature   [SignatureSize]byte
}

// HasRecipient reports whether RecipientID is meaningful.
func (p *Packet) HasRecipient() bool { return p.Flags.Has(FlagHasRecipient) }

// HeaderSize returns the fixed header size for the packet's version.
func (p *Packet) HeaderSize() int {
	if p.Version == Version2 {
		return HeaderSizeV2
	}
	return HeaderSizeV1
}
