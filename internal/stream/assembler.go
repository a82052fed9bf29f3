// Package stream reassembles BLE notification bytes into complete wire
// frames for one connection at a time. BLE delivers arbitrarily chunked
// bytes; the Assembler buffers until full frames can be sliced off.
package stream

import (
	"time"

	"github.com/gapmesh/core/internal/wire"
)

// DefaultStallThreshold is how long a partial frame may sit incomplete
// before the assembler gives up and resets.
const DefaultStallThreshold = 1500 * time.Millisecond

// DefaultHardCap bounds how many bytes the assembler will ever buffer.
const DefaultHardCap = 256 * 1024

// minFramingPrefix is the smallest number of bytes needed to know the
// header plus the mandatory senderID section.
const minFramingPrefix = wire.HeaderSizeV1 + wire.SenderIDSize

// Assembler is a single-connection byte-stream framer.
type Assembler struct {
	stallThreshold time.Duration
	hardCap        int

	buf []byte

	midFrame       bool
	expectedLen    int
	partialSince   time.Time
	havePartialAge bool
}

// NewAssembler creates an Assembler with the given stall threshold and hard
// cap; zero values use the package defaults.
func NewAssembler(stallThreshold time.Duration, hardCap int) *Assembler {
	if stallThreshold <= 0 {
		stallThreshold = DefaultStallThreshold
	}
	if hardCap <= 0 {
		hardCap = DefaultHardCap
	}
	return &Assembler{stallThreshold: stallThreshold, hardCap: hardCap}
}

// Result is the outcome of one Append call.
type Result struct {
	Frames            [][]byte
	DroppedPrefixBytes int
	DidReset          bool
}

// Append feeds newly-arrived bytes into the assembler's buffer and runs the
// framing algorithm to completion (no more full frames extractable).
func (a *Assembler) Append(chunk []byte, now time.Time) Result {
	var res Result
	a.buf = append(a.buf, chunk...)

	for {
		if len(a.buf) < 1 {
			return res
		}
		if len(a.buf) < minFramingPrefix {
			a.recordPartial(now, &res)
			return res
		}

		version := wire.Version(a.buf[0])
		if version != wire.Version1 && version != wire.Version2 {
			if !a.midFrame {
				a.buf = a.buf[1:]
				res.DroppedPrefixBytes++
				a.havePartialAge = false
				continue
			}
			a.reset(&res)
			return res
		}

		header := wire.HeaderSizeV1
		if version == wire.Version2 {
			header = wire.HeaderSizeV2
		}
		if len(a.buf) < header {
			a.recordPartial(now, &res)
			return res
		}

		flags := wire.Flags(a.buf[11])
		var payloadLen int
		if version == wire.Version1 {
			payloadLen = int(a.buf[12])<<8 | int(a.buf[13])
		} else {
			payloadLen = int(a.buf[12])<<24 | int(a.buf[13])<<16 | int(a.buf[14])<<8 | int(a.buf[15])
		}

		frameLen := header + wire.SenderIDSize + payloadLen
		if flags.Has(wire.FlagHasRecipient) {
			frameLen += wire.RecipientIDSize
		}
		if flags.Has(wire.FlagHasSignature) {
			frameLen += wire.SignatureSize
		}

		if frameLen > a.hardCap {
			a.reset(&res)
			return res
		}

		if len(a.buf) < frameLen {
			a.midFrame = true
			a.expectedLen = frameLen
			a.recordPartial(now, &res)
			return res
		}

		frame := make([]byte, frameLen)
		copy(frame, a.buf[:frameLen])
		res.Frames = append(res.Frames, frame)

		a.buf = a.buf[frameLen:]
		a.midFrame = false
		a.havePartialAge = false
	}
}

func (a *Assembler) recordPartial(now time.Time, res *Result) {
	if !a.havePartialAge {
		a.partialSince = now
		a.havePartialAge = true
		return
	}
	if now.Sub(a.partialSince) >= a.stallThreshold {
		a.reset(res)
	}
}

func (a *Assembler) reset(res *Result) {
	a.buf = nil
	a.midFrame = false
	a.expectedLen = 0
	a.havePartialAge = false
	res.DidReset = true
}

// Len returns the number of bytes currently buffered, for tests and metrics.
func (a *Assembler) Len() int { return len(a.buf) }
