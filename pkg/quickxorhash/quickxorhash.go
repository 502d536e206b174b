// Package quickxorhash implements Microsoft's QuickXorHash, the content
// fingerprint OneDrive reports for files on personal drives.
//
// Each input byte is XORed into a 160-bit circular buffer; the insertion
// point advances 11 bits per byte. The final digest XORs the total input
// length into the tail of the buffer.
//
// Based on the rclone implementation (BSD-0 license),
// github.com/rclone/rclone/backend/onedrive/quickxorhash, which follows
// the reference C# implementation published by Microsoft.
package quickxorhash

import (
	"encoding/binary"
	"hash"
)

const (
	// Size is the length of a QuickXorHash digest in bytes.
	Size = 20

	// BlockSize is the preferred input block size in bytes.
	BlockSize = 64

	// shift is the number of bits the insertion point advances per byte.
	shift = 11

	// widthInBits is the width of the circular XOR buffer.
	widthInBits = 160

	// bitsInLastCell is the number of valid bits in the final uint64 cell:
	// widthInBits - 2*64 = 32.
	bitsInLastCell = 32

	bitsPerByte   = 8
	bitsPerUint64 = 64

	// cellCount is the number of uint64 cells holding widthInBits bits.
	cellCount = 3
)

// digest is the running state of a QuickXorHash computation.
type digest struct {
	cells      [cellCount]uint64
	shiftSoFar int
	written    uint64
}

// New returns a hash.Hash computing the QuickXorHash checksum.
func New() hash.Hash {
	return &digest{}
}

// bitsInCell returns the number of valid bits in the cell at index.
func bitsInCell(index int) int {
	if index == cellCount-1 {
		return bitsInLastCell
	}

	return bitsPerUint64
}

// Write absorbs p into the running hash. It always returns len(p), nil.
func (d *digest) Write(p []byte) (int, error) {
	currentShift := d.shiftSoFar
	cellIndex := currentShift / bitsPerUint64
	cellOffset := currentShift % bitsPerUint64
	iterations := min(len(p), widthInBits)

	for i := 0; i < iterations; i++ {
		cellBits := bitsInCell(cellIndex)

		if cellOffset <= cellBits-bitsPerByte {
			// Byte fits entirely within this cell. All bytes landing at
			// this shift position XOR into the same spot, so fold them
			// together in one pass.
			for j := i; j < len(p); j += widthInBits {
				d.cells[cellIndex] ^= uint64(p[j]) << cellOffset
			}
		} else {
			// Byte straddles two cells: fold first, then split.
			nextIndex := cellIndex + 1
			if cellIndex == cellCount-1 {
				nextIndex = 0
			}

			low := byte(cellBits - cellOffset)

			var folded byte
			for j := i; j < len(p); j += widthInBits {
				folded ^= p[j]
			}

			d.cells[cellIndex] ^= uint64(folded) << cellOffset
			d.cells[nextIndex] ^= uint64(folded) >> low
		}

		cellOffset += shift
		for cellOffset >= bitsInCell(cellIndex) {
			cellOffset -= bitsInCell(cellIndex)
			if cellIndex == cellCount-1 {
				cellIndex = 0
			} else {
				cellIndex++
			}
		}
	}

	d.shiftSoFar = (d.shiftSoFar + shift*(len(p)%widthInBits)) % widthInBits
	d.written += uint64(len(p))

	return len(p), nil
}

// Sum appends the current digest to b without disturbing the running state.
func (d *digest) Sum(b []byte) []byte {
	dup := *d

	var out [Size]byte
	binary.LittleEndian.PutUint64(out[0:8], dup.cells[0])
	binary.LittleEndian.PutUint64(out[8:16], dup.cells[1])
	// cells[2] only carries bitsInLastCell (32) bits.
	binary.LittleEndian.PutUint32(out[16:Size], uint32(dup.cells[2])) //nolint:gosec // truncation intentional

	// XOR the input length (little-endian) into the last 8 bytes.
	var lengthBytes [8]byte
	binary.LittleEndian.PutUint64(lengthBytes[:], dup.written)

	lengthStart := Size - len(lengthBytes)
	for i, lb := range lengthBytes {
		out[lengthStart+i] ^= lb
	}

	return append(b, out[:]...)
}

// Reset returns the hash to its initial state.
func (d *digest) Reset() {
	*d = digest{}
}

// Size returns the number of bytes Sum will append.
func (d *digest) Size() int {
	return Size
}

// BlockSize returns the hash's underlying block size.
func (d *digest) BlockSize() int {
	return BlockSize
}
