package zinfo

import (
	"bufio"
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/coreos/zinfo/flate"
)

// ExtractDataFromFile opens the gzip file at path and fills buf with
// the uncompressed bytes starting at offset, using idx to resume
// decompression near the offset. See ExtractData.
func ExtractDataFromFile(path string, idx *Index, offset int64, buf []byte) (int, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return ExtractData(in, idx, offset, buf)
}

// ExtractData fills buf with the uncompressed bytes starting at offset,
// reading compressed data from r. The checkpoint covering offset is
// selected from idx, r is positioned at it, raw inflation resumes from
// the checkpoint's saved window, and output before offset is discarded.
//
// It returns the number of bytes written to buf: len(buf) in the common
// case, fewer when the stream ends inside the requested range, and 0
// when offset is at or past the end of the stream.
func ExtractData(r io.ReadSeeker, idx *Index, offset int64, buf []byte) (int, error) {
	if idx == nil || len(idx.Checkpoints) == 0 {
		return 0, ErrNilIndex
	}
	c := &idx.Checkpoints[idx.CheckpointForOffset(offset)]

	// When the access point sits mid-byte the preceding byte holds its
	// first bits; start one byte early and prime with them.
	seekTo := c.In
	if c.Bits != 0 {
		seekTo--
	}
	if _, err := r.Seek(seekTo, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, "seeking to checkpoint")
	}
	return resume(bufio.NewReaderSize(r, inputChunk), c, offset, buf)
}

// ExtractDataFromBuffer is ExtractData for compressed data already in
// memory. No checkpoint scan is performed: firstCheckpoint names the
// access point data begins at, and data's first byte is the priming
// byte when that checkpoint has residual bits. data must reach at least
// to the compressed bytes covering offset+len(buf).
func ExtractDataFromBuffer(data []byte, idx *Index, offset int64, buf []byte, firstCheckpoint int) (int, error) {
	if idx == nil || len(idx.Checkpoints) == 0 {
		return 0, ErrNilIndex
	}
	if firstCheckpoint < 0 || firstCheckpoint >= len(idx.Checkpoints) {
		return 0, errors.Errorf("zinfo: checkpoint %d out of range (have %d)", firstCheckpoint, len(idx.Checkpoints))
	}
	return resume(bytes.NewReader(data), &idx.Checkpoints[firstCheckpoint], offset, buf)
}

// resume restarts raw inflation at checkpoint cp, whose (possibly
// priming) byte is the next byte of src, discards output up to offset,
// and then fills buf.
func resume(src io.Reader, cp *Checkpoint, offset int64, buf []byte) (int, error) {
	skip := offset - cp.Out
	if skip < 0 {
		return 0, errors.Errorf("zinfo: offset %d precedes checkpoint at %d", offset, cp.Out)
	}

	var prime byte
	if cp.Bits != 0 {
		var one [1]byte
		if _, err := io.ReadFull(src, one[:]); err != nil {
			return 0, errors.Wrap(err, "reading priming byte")
		}
		prime = one[0]
	}
	f := flate.NewReaderDict(src, cp.Window[:])
	if cp.Bits != 0 {
		f.Prime(uint(cp.Bits), prime>>(8-cp.Bits))
	}

	// Discard up to the requested offset, a window at a time.
	var discard [WindowSize]byte
	for skip > 0 {
		n := int64(len(discard))
		if skip < n {
			n = skip
		}
		m, err := f.Read(discard[:n])
		skip -= int64(m)
		if err == io.EOF {
			// Stream ended before the offset was reached.
			return 0, nil
		}
		if err != nil {
			return 0, errors.Wrap(err, "skipping to offset")
		}
	}

	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, errors.Wrap(err, "inflating")
		}
	}
	return total, nil
}
