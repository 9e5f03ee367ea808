package zinfo

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Blob layout, all little-endian, packed:
//
//	u32 have | i64 span                                   (12-byte header)
//	{ i64 in | i64 out | u8 bits | [32768]byte window }   (per checkpoint)
//
// Version-one blobs omit checkpoint 0 from the body. That was a bug —
// it assumed the first checkpoint was a fixed shape — but deployed blobs
// are content-addressed, so a v1 index must re-serialize to exactly its
// original bytes. The version is therefore inferred from the blob length
// and preserved on re-encode rather than silently upgraded.
const (
	blobHeaderSize       = 12
	packedCheckpointSize = 8 + 8 + 1 + WindowSize
)

// v1SyntheticIn stands in for the compressed offset of the omitted
// first checkpoint: the length of a minimal gzip header. Streams with
// optional header fields cannot be extracted from offset 0 through a v1
// index; that limitation is inherent to the v1 format.
const v1SyntheticIn = 10

// BlobSize returns the exact number of bytes ToBlob will produce, 0 for
// a nil index.
func (idx *Index) BlobSize() int {
	if idx == nil {
		return 0
	}
	n := len(idx.Checkpoints)
	if idx.Version == VersionOne {
		n--
	}
	return blobHeaderSize + packedCheckpointSize*n
}

// ToBlob serializes the index into buf, which must hold at least
// BlobSize bytes, and returns the number of bytes written.
func (idx *Index) ToBlob(buf []byte) (int, error) {
	if idx == nil {
		return 0, ErrNilIndex
	}
	size := idx.BlobSize()
	if len(buf) < size {
		return 0, errors.Errorf("zinfo: blob buffer too small: %d < %d", len(buf), size)
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(idx.Checkpoints)))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(idx.Span))

	first := 0
	if idx.Version == VersionOne {
		first = 1
	}
	cur := blobHeaderSize
	for i := first; i < len(idx.Checkpoints); i++ {
		c := &idx.Checkpoints[i]
		binary.LittleEndian.PutUint64(buf[cur:], uint64(c.In))
		cur += 8
		binary.LittleEndian.PutUint64(buf[cur:], uint64(c.Out))
		cur += 8
		buf[cur] = c.Bits
		cur++
		cur += copy(buf[cur:], c.Window[:])
	}
	return size, nil
}

// Blob is a convenience wrapper around BlobSize and ToBlob that
// allocates the result.
func (idx *Index) Blob() ([]byte, error) {
	if idx == nil {
		return nil, ErrNilIndex
	}
	buf := make([]byte, idx.BlobSize())
	if _, err := idx.ToBlob(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// NewIndexFromBlob deserializes an index. The version is inferred from
// the length: a blob carrying exactly as many checkpoints as its header
// claims is current; one carrying one fewer is version one, and its
// missing first checkpoint is synthesized (offset 10, no residual bits,
// zero window). Any other length returns ErrInvalidBlob.
func NewIndexFromBlob(blob []byte) (*Index, error) {
	if len(blob) < blobHeaderSize {
		return nil, ErrInvalidBlob
	}
	have := int(int32(binary.LittleEndian.Uint32(blob[0:4])))
	span := int64(binary.LittleEndian.Uint64(blob[4:12]))
	if have <= 0 {
		return nil, ErrInvalidBlob
	}

	var version int32
	switch len(blob) - blobHeaderSize {
	case packedCheckpointSize * have:
		version = VersionTwo
	case packedCheckpointSize * (have - 1):
		version = VersionOne
	default:
		return nil, ErrInvalidBlob
	}

	idx := &Index{
		Version:     version,
		Span:        span,
		Checkpoints: make([]Checkpoint, have),
	}
	first := 0
	if version == VersionOne {
		first = 1
		idx.Checkpoints[0].In = v1SyntheticIn
	}
	cur := blobHeaderSize
	for i := first; i < have; i++ {
		c := &idx.Checkpoints[i]
		c.In = int64(binary.LittleEndian.Uint64(blob[cur:]))
		cur += 8
		c.Out = int64(binary.LittleEndian.Uint64(blob[cur:]))
		cur += 8
		c.Bits = blob[cur]
		cur++
		cur += copy(c.Window[:], blob[cur:cur+WindowSize])
	}
	return idx, nil
}
