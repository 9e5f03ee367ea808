package zinfo

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gzFixture compresses plain, flushing every flushEvery bytes when
// nonzero so the stream contains multiple deflate blocks. hdr fields,
// when given, exercise the optional gzip header sections.
func gzFixture(t *testing.T, plain []byte, level, flushEvery int, hdr *gzip.Header) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	require.NoError(t, err)
	if hdr != nil {
		zw.Name = hdr.Name
		zw.Comment = hdr.Comment
		zw.Extra = hdr.Extra
	}
	for off := 0; off < len(plain); {
		end := len(plain)
		if flushEvery > 0 && off+flushEvery < end {
			end = off + flushEvery
		}
		_, err = zw.Write(plain[off:end])
		require.NoError(t, err)
		off = end
		if flushEvery > 0 && off < len(plain) {
			require.NoError(t, zw.Flush())
		}
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// repeatedPlain is the deterministic 200000-byte stream used across the
// extraction tests.
func repeatedPlain() []byte {
	return bytes.Repeat([]byte("abcdefghij"), 20000)
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.gz")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// wantWindow is the 32 KiB preceding out in plain, zero-padded on the
// left -- what every checkpoint window must hold.
func wantWindow(plain []byte, out int64) []byte {
	w := make([]byte, WindowSize)
	start := out - WindowSize
	if start < 0 {
		start = 0
	}
	copy(w[WindowSize-int(out-start):], plain[start:out])
	return w
}

func TestBuildIndexInvariants(t *testing.T) {
	plain := repeatedPlain()
	gz := gzFixture(t, plain, gzip.DefaultCompression, WindowSize, nil)

	idx, err := BuildIndexFromReader(bytes.NewReader(gz), WindowSize)
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx.Count(), 2)
	assert.Equal(t, CurrentVersion, idx.Version)
	assert.Equal(t, int64(WindowSize), idx.Span)

	// First access point sits right after the (minimal) gzip header.
	first := idx.Checkpoints[0]
	assert.Equal(t, int64(0), first.Out)
	assert.Equal(t, int64(10), first.In)
	assert.Equal(t, uint8(0), first.Bits)

	for i := range idx.Checkpoints {
		c := &idx.Checkpoints[i]
		assert.Less(t, c.Bits, uint8(8), "checkpoint %d", i)
		assert.Less(t, c.Out, int64(len(plain)), "checkpoint %d", i)
		assert.Equal(t, wantWindow(plain, c.Out), c.Window[:], "checkpoint %d window", i)
		if i > 0 {
			prev := &idx.Checkpoints[i-1]
			assert.Greater(t, c.Out, prev.Out, "checkpoint %d", i)
			assert.GreaterOrEqual(t, c.In, prev.In, "checkpoint %d", i)
		}
	}
}

func TestExtract(t *testing.T) {
	plain := repeatedPlain()
	gz := gzFixture(t, plain, gzip.DefaultCompression, WindowSize, nil)
	path := writeTemp(t, gz)

	idx, err := BuildIndex(path, WindowSize)
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx.Count(), 2)

	buf := make([]byte, 10)

	// Mid-stream, beyond the first checkpoint.
	n, err := ExtractDataFromFile(path, idx, 100000, buf)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	assert.Equal(t, "abcdefghij", string(buf))

	// Below the first span.
	n, err = ExtractDataFromFile(path, idx, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	assert.Equal(t, "abcdefghij", string(buf))

	// Straddling the end of the stream.
	n, err = ExtractDataFromFile(path, idx, 199995, buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	assert.Equal(t, "fghij", string(buf[:n]))

	// At and past the end.
	n, err = ExtractDataFromFile(path, idx, 200000, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = ExtractDataFromFile(path, idx, 250000, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Empty destination.
	n, err = ExtractDataFromFile(path, idx, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExtractOffsets(t *testing.T) {
	plain := repeatedPlain()
	gz := gzFixture(t, plain, gzip.DefaultCompression, WindowSize, nil)
	path := writeTemp(t, gz)

	idx, err := BuildIndex(path, WindowSize)
	require.NoError(t, err)

	for _, off := range []int64{1, 9, 32767, 32768, 65535, 65536, 65537, 131071, 150000, 199999} {
		want := plain[off:]
		if len(want) > 37 {
			want = want[:37]
		}
		buf := make([]byte, 37)
		n, err := ExtractDataFromFile(path, idx, off, buf)
		require.NoError(t, err, "offset %d", off)
		assert.Equal(t, want, buf[:n], "offset %d", off)
	}
}

func TestExtractFromBuffer(t *testing.T) {
	plain := repeatedPlain()
	gz := gzFixture(t, plain, gzip.DefaultCompression, WindowSize, nil)

	idx, err := BuildIndexFromReader(bytes.NewReader(gz), WindowSize)
	require.NoError(t, err)

	off := int64(150000)
	id := idx.CheckpointForOffset(off)
	require.Greater(t, id, 0, "offset should resolve past the first checkpoint")

	cp := &idx.Checkpoints[id]
	start := cp.In
	if cp.Bits != 0 {
		start--
	}
	buf := make([]byte, 64)
	n, err := ExtractDataFromBuffer(gz[start:], idx, off, buf, id)
	require.NoError(t, err)
	assert.Equal(t, plain[off:off+64], buf[:n])

	_, err = ExtractDataFromBuffer(gz[start:], nil, off, buf, id)
	assert.ErrorIs(t, err, ErrNilIndex)

	_, err = ExtractDataFromBuffer(gz[start:], idx, off, buf, idx.Count())
	assert.Error(t, err)
}

func TestExtractNilIndex(t *testing.T) {
	path := writeTemp(t, gzFixture(t, []byte("hello"), gzip.DefaultCompression, 0, nil))
	_, err := ExtractDataFromFile(path, nil, 0, make([]byte, 5))
	assert.ErrorIs(t, err, ErrNilIndex)
}

func TestStoredBlocks(t *testing.T) {
	plain := repeatedPlain()
	gz := gzFixture(t, plain, gzip.NoCompression, 0, nil)
	path := writeTemp(t, gz)

	// Stored blocks top out at 64 KiB, so spacing by 64 KiB lands
	// checkpoints on byte-aligned boundaries.
	idx, err := BuildIndex(path, 1<<16)
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx.Count(), 2)
	for i := range idx.Checkpoints {
		assert.Equal(t, uint8(0), idx.Checkpoints[i].Bits, "stored blocks end byte-aligned")
	}

	buf := make([]byte, 20)
	n, err := ExtractDataFromFile(path, idx, 140000, buf)
	require.NoError(t, err)
	assert.Equal(t, plain[140000:140020], buf[:n])
}

func TestHeaderFields(t *testing.T) {
	plain := repeatedPlain()
	hdr := &gzip.Header{Name: "data.tar", Comment: "c", Extra: []byte("xx")}
	gz := gzFixture(t, plain, gzip.DefaultCompression, WindowSize, hdr)
	path := writeTemp(t, gz)

	idx, err := BuildIndex(path, WindowSize)
	require.NoError(t, err)

	// 10 fixed + (2+2) extra + (8+1) name + (1+1) comment.
	assert.Equal(t, int64(25), idx.Checkpoints[0].In)

	buf := make([]byte, 10)
	n, err := ExtractDataFromFile(path, idx, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", string(buf[:n]))
	n, err = ExtractDataFromFile(path, idx, 123456, buf)
	require.NoError(t, err)
	assert.Equal(t, plain[123456:123466], buf[:n])
}

func TestBuildErrors(t *testing.T) {
	plain := repeatedPlain()
	gz := gzFixture(t, plain, gzip.DefaultCompression, 0, nil)

	// Empty input.
	_, err := BuildIndexFromReader(bytes.NewReader(nil), WindowSize)
	assert.Error(t, err)

	// Not gzip.
	_, err = BuildIndexFromReader(bytes.NewReader(bytes.Repeat([]byte("nope"), 16)), WindowSize)
	assert.ErrorIs(t, err, ErrHeader)

	// Truncated stream.
	_, err = BuildIndexFromReader(bytes.NewReader(gz[:len(gz)/2]), WindowSize)
	assert.Error(t, err)

	// Corrupt trailer CRC.
	bad := append([]byte{}, gz...)
	bad[len(bad)-6] ^= 0xff
	_, err = BuildIndexFromReader(bytes.NewReader(bad), WindowSize)
	assert.ErrorIs(t, err, ErrChecksum)

	// Missing file.
	_, err = BuildIndex(filepath.Join(t.TempDir(), "absent.gz"), WindowSize)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSpanZero(t *testing.T) {
	plain := repeatedPlain()[:4000]
	gz := gzFixture(t, plain, gzip.DefaultCompression, 400, nil)

	idx, err := BuildIndexFromReader(bytes.NewReader(gz), 0)
	require.NoError(t, err)
	// Every flush-induced boundary that produced output gets a checkpoint.
	require.GreaterOrEqual(t, idx.Count(), 5)
	for i := 1; i < idx.Count(); i++ {
		assert.Greater(t, idx.Checkpoints[i].Out, idx.Checkpoints[i-1].Out)
	}

	buf := make([]byte, 10)
	n, err := ExtractData(bytes.NewReader(gz), idx, 2345, buf)
	require.NoError(t, err)
	assert.Equal(t, plain[2345:2355], buf[:n])
}

func TestEmptyStream(t *testing.T) {
	gz := gzFixture(t, nil, gzip.DefaultCompression, 0, nil)

	idx, err := BuildIndexFromReader(bytes.NewReader(gz), WindowSize)
	require.NoError(t, err)
	// Only the access point after the header; the final block never
	// gets one.
	assert.Equal(t, 1, idx.Count())

	n, err := ExtractData(bytes.NewReader(gz), idx, 0, make([]byte, 10))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCheckpointForOffset(t *testing.T) {
	plain := repeatedPlain()
	gz := gzFixture(t, plain, gzip.DefaultCompression, WindowSize, nil)

	idx, err := BuildIndexFromReader(bytes.NewReader(gz), WindowSize)
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx.Count(), 3)

	for i := 0; i < idx.Count(); i++ {
		out := idx.Checkpoints[i].Out
		assert.Equal(t, i, idx.CheckpointForOffset(out))
		if i < idx.Count()-1 {
			assert.Equal(t, i, idx.CheckpointForOffset(idx.Checkpoints[i+1].Out-1))
		}
	}
	assert.Equal(t, idx.MaxSpanID(), idx.CheckpointForOffset(1<<40))
}

func TestAccessors(t *testing.T) {
	plain := repeatedPlain()
	gz := gzFixture(t, plain, gzip.DefaultCompression, WindowSize, nil)

	idx, err := BuildIndexFromReader(bytes.NewReader(gz), WindowSize)
	require.NoError(t, err)

	assert.Equal(t, len(idx.Checkpoints), idx.Count())
	assert.Equal(t, idx.Count()-1, idx.MaxSpanID())
	for i := range idx.Checkpoints {
		c := &idx.Checkpoints[i]
		assert.Equal(t, c.In, idx.CompressedOffset(i))
		assert.Equal(t, c.Out, idx.UncompressedOffset(i))
		assert.Equal(t, c.Bits != 0, idx.HasBits(i))
	}

	// Out-of-range ids are inert.
	assert.Equal(t, int64(0), idx.CompressedOffset(-1))
	assert.Equal(t, int64(0), idx.UncompressedOffset(idx.Count()))
	assert.False(t, idx.HasBits(idx.Count()))

	var nilIdx *Index
	assert.Equal(t, 0, nilIdx.Count())
	assert.Equal(t, -1, nilIdx.MaxSpanID())
}
