package wire

import "fmt"

// Pad right-pads frame with PKCS#7 to the smallest standard block size in
// {256, 512, 1024, 2048} that fits frame plus at least one pad byte. Frames
// that do not fit even the largest block are rejected; callers must
// fragment them instead (see internal/fragment).
func Pad(frame []byte) ([]byte, error) {
	block := -1
	for _, b := range padBlocks {
		if len(frame) < b {
			block = b
			break
		}
	}
	if block == -1 {
		return nil, fmt.Errorf("wire: pad: %w", ErrPacketTooLarge)
	}

	padLen := block - len(frame)
	out := make([]byte, block)
	copy(out, frame)
	for i := len(frame); i < block; i++ {
		out[i] = byte(padLen)
	}
	return out, nil
}

// Unpad strips PKCS#7 padding applied by Pad, validating the pad bytes.
func Unpad(padded []byte) ([]byte, error) {
	if len(padded) == 0 {
		return nil, fmt.Errorf("wire: unpad: %w", ErrBadPadding)
	}
	padLen := int(padded[len(padded)-1])
	if padLen <= 0 || padLen > len(padded) {
		return nil, fmt.Errorf("wire: unpad: %w", ErrBadPadding)
	}
	for i := len(padded) - padLen; i < len(padded); i++ {
		if int(padded[i]) != padLen {
			return nil, fmt.Errorf("wire: unpad: %w", ErrBadPadding)
		}
	}
	return padded[:len(padded)-padLen], nil
}

// FitsInBlock reports whether frame (after padding) would fit the largest
// standard block, i.e. whether it can be sent without fragmentation.
func FitsInBlock(frame []byte) bool {
	return len(frame) < MaxPadBlock
}
