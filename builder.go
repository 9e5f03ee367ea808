package zinfo

import (
	"bufio"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/coreos/zinfo/flate"
)

// inputChunk is the size of the compressed-input buffer.
const inputChunk = 1 << 14

// BuildIndex decompresses the gzip file at path once and returns an
// index with a checkpoint roughly every span uncompressed bytes. See
// BuildIndexFromReader.
func BuildIndex(path string, span int64) (*Index, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return BuildIndexFromReader(in, span)
}

// BuildIndexFromReader decompresses one gzip member from r in its
// entirety, validating the trailer checksum, and returns an index whose
// checkpoints sit at deflate block boundaries spaced roughly span
// uncompressed bytes apart. The first checkpoint always sits just after
// the gzip header, so the index covers the stream from offset 0. With
// span == 0 every block boundary that produced output, except the end
// of the final block, becomes a checkpoint. Data after the first member is neither read nor indexed.
//
// No index is returned unless the entire stream decompressed and
// checked out; reads from r are the only points at which the call
// blocks, so cancellation can be layered on the reader by the caller.
func BuildIndexFromReader(r io.Reader, span int64) (*Index, error) {
	br := bufio.NewReaderSize(r, inputChunk)
	hdrLen, err := readGzipHeader(br)
	if err != nil {
		return nil, errors.Wrap(err, "reading gzip header")
	}

	f := flate.NewReader(br)
	digest := crc32.NewIEEE()

	// The last 32 KiB of output always occupies this ring, possibly
	// wrapped; checkpoints linearize it. Starting zeroed gives early
	// checkpoints their left zero-padding for free.
	var window [WindowSize]byte
	var pos int

	idx := &Index{Version: CurrentVersion, Span: span}
	// Access point before the first block, right after the header.
	idx.addCheckpoint(0, hdrLen, 0, window[:], pos)

	var totalOut, last int64
	for {
		if pos == WindowSize {
			pos = 0
		}
		n, boundary, err := f.ReadBlock(window[pos:])
		digest.Write(window[pos : pos+n])
		pos += n
		totalOut += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "inflating")
		}
		// A boundary with all data delivered is a valid resume point;
		// skip the one after the last block, and keep roughly span
		// bytes between the rest.
		if boundary && !f.Final() && totalOut-last > span {
			idx.addCheckpoint(f.ResidualBits(), hdrLen+f.InputOffset(), totalOut, window[:], pos)
			last = totalOut
		}
	}

	if err := checkGzipTrailer(br, digest.Sum32(), totalOut); err != nil {
		return nil, err
	}

	// Right-size the list; the append growth slack is not part of the
	// external representation.
	list := make([]Checkpoint, len(idx.Checkpoints))
	copy(list, idx.Checkpoints)
	idx.Checkpoints = list

	log.Debugf("built index: %d checkpoints over %d uncompressed bytes (span %d)",
		len(idx.Checkpoints), totalOut, span)
	return idx, nil
}

// addCheckpoint appends an access point, linearizing the ring window:
// the window contents are ring[pos:] followed by ring[:pos].
func (idx *Index) addCheckpoint(bits uint8, in, out int64, ring []byte, pos int) {
	idx.Checkpoints = append(idx.Checkpoints, Checkpoint{In: in, Out: out, Bits: bits})
	c := &idx.Checkpoints[len(idx.Checkpoints)-1]
	n := copy(c.Window[:], ring[pos:])
	copy(c.Window[n:], ring[:pos])
}
