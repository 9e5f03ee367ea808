// Package zinfo builds, serializes, and uses random-access indexes for
// gzip-compressed streams. A gzip stream normally has to be decompressed
// from the start; an index records access points ("checkpoints") at
// deflate block boundaries, each carrying the 32 KiB sliding window
// needed to resume raw inflation there, so that any uncompressed byte
// range can be produced by decompressing at most one span plus the
// requested length. The index serializes to a compact versioned blob
// that downstream systems can store content-addressed next to the layer
// it describes.
//
// An Index is immutable once built. Distinct extractions against the
// same Index are independent and may run concurrently; each call keeps
// its decoder state to itself.
package zinfo

import (
	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
)

var log = capnslog.NewPackageLogger("github.com/coreos/zinfo", "zinfo")

// WindowSize is the gzip LZ77 window size. Gzip always compresses with a
// 32 KiB window, so every checkpoint carries exactly this much history.
const WindowSize = 32768

// Index blob versions. VersionOne blobs omit checkpoint 0 from the
// serialized form; see the blob codec for the compatibility rules.
const (
	VersionOne int32 = 1
	VersionTwo int32 = 2

	CurrentVersion = VersionTwo
)

var (
	// ErrNilIndex is returned when an operation that requires an index is
	// given a nil or empty one.
	ErrNilIndex = errors.New("zinfo: nil index")
	// ErrInvalidBlob is returned when a blob's length does not match any
	// known encoding of its checkpoint count.
	ErrInvalidBlob = errors.New("zinfo: invalid blob length")
	// ErrHeader is returned when the input does not start with a valid
	// gzip member header.
	ErrHeader = errors.New("zinfo: invalid gzip header")
	// ErrChecksum is returned when the gzip trailer does not match the
	// decompressed data.
	ErrChecksum = errors.New("zinfo: invalid gzip checksum")
)

// A Checkpoint is one access point into the compressed stream: a
// position pair plus the decoder state needed to resume raw inflation
// there.
type Checkpoint struct {
	In     int64            // offset in the compressed stream of the first full byte after the access point
	Out    int64            // corresponding offset in the uncompressed stream
	Bits   uint8            // number of bits (1-7) of the byte at In-1 belonging to the next block, or 0
	Window [WindowSize]byte // the 32 KiB of uncompressed data preceding Out, zero-padded on the left
}

// An Index is an ordered list of checkpoints over a single gzip member.
// Checkpoints are strictly increasing in Out and non-decreasing in In;
// the first sits just after the gzip header at Out == 0.
type Index struct {
	Version     int32 // serialization version, kept so re-encoding preserves the original bytes
	Span        int64 // requested approximate uncompressed spacing at build time
	Checkpoints []Checkpoint
}

// Count returns the number of checkpoints.
func (idx *Index) Count() int {
	if idx == nil {
		return 0
	}
	return len(idx.Checkpoints)
}

// MaxSpanID returns the id of the last checkpoint, -1 for an empty index.
func (idx *Index) MaxSpanID() int {
	return idx.Count() - 1
}

// CheckpointForOffset returns the id of the checkpoint to resume from
// for the uncompressed offset off: the last checkpoint whose Out does
// not exceed off (the first one for offsets before any checkpoint).
// It returns -1 for a nil or empty index.
func (idx *Index) CheckpointForOffset(off int64) int {
	if idx == nil || len(idx.Checkpoints) == 0 {
		return -1
	}
	i := 0
	for i < len(idx.Checkpoints)-1 && idx.Checkpoints[i+1].Out <= off {
		i++
	}
	return i
}

// CompressedOffset returns the compressed-stream offset of checkpoint i,
// or 0 if i is out of range.
func (idx *Index) CompressedOffset(i int) int64 {
	if idx == nil || i < 0 || i >= len(idx.Checkpoints) {
		return 0
	}
	return idx.Checkpoints[i].In
}

// UncompressedOffset returns the uncompressed-stream offset of
// checkpoint i, or 0 if i is out of range.
func (idx *Index) UncompressedOffset(i int) int64 {
	if idx == nil || i < 0 || i >= len(idx.Checkpoints) {
		return 0
	}
	return idx.Checkpoints[i].Out
}

// HasBits reports whether checkpoint i starts mid-byte, i.e. whether
// extraction must prime the inflater with bits of the byte at In-1.
func (idx *Index) HasBits(i int) bool {
	if idx == nil || i < 0 || i >= len(idx.Checkpoints) {
		return false
	}
	return idx.Checkpoints[i].Bits != 0
}
