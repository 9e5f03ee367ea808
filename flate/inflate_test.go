package flate

import (
	"bytes"
	stdflate "compress/flate"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// testPattern mixes compressible runs with seeded noise so streams get
// both literals and matches.
func testPattern(n int) []byte {
	rng := rand.New(rand.NewSource(1))
	data := make([]byte, n)
	for i := 0; i < n; {
		if rng.Intn(2) == 0 {
			run := 50 + rng.Intn(200)
			b := byte('a' + rng.Intn(26))
			for j := 0; j < run && i < n; j++ {
				data[i] = b
				i++
			}
		} else {
			run := 50 + rng.Intn(200)
			for j := 0; j < run && i < n; j++ {
				data[i] = byte(rng.Intn(256))
				i++
			}
		}
	}
	return data
}

// deflate compresses data, flushing (and so ending a block) every
// flushEvery bytes when flushEvery > 0.
func deflate(t *testing.T, data []byte, flushEvery int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := stdflate.NewWriter(&buf, stdflate.DefaultCompression)
	require.NoError(t, err)
	for off := 0; off < len(data); {
		end := len(data)
		if flushEvery > 0 && off+flushEvery < end {
			end = off + flushEvery
		}
		_, err = w.Write(data[off:end])
		require.NoError(t, err)
		off = end
		if flushEvery > 0 && off < len(data) {
			require.NoError(t, w.Flush())
		}
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestReadMatchesStdlib(t *testing.T) {
	data := testPattern(300000)
	comp := deflate(t, data, 0)

	got, err := io.ReadAll(NewReader(bytes.NewReader(comp)))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestReadBlockBoundaries(t *testing.T) {
	data := testPattern(200000)
	comp := deflate(t, data, 32768)

	f := NewReader(bytes.NewReader(comp))
	var out bytes.Buffer
	var tmp [8192]byte
	boundaries := 0
	for {
		n, boundary, err := f.ReadBlock(tmp[:])
		out.Write(tmp[:n])
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if boundary {
			boundaries++
			require.Less(t, f.ResidualBits(), uint8(8))
			require.LessOrEqual(t, f.InputOffset(), int64(len(comp)))
		}
	}
	require.Equal(t, data, out.Bytes())
	// Each flush ends a block and emits a sync block; plus the final block.
	require.GreaterOrEqual(t, boundaries, len(data)/32768)
	require.True(t, f.Final())
	require.Equal(t, int64(len(comp)), f.InputOffset())
}

func TestReaderDict(t *testing.T) {
	dict := bytes.Repeat([]byte("0123456789abcdef"), 2048)
	data := testPattern(100000)

	var buf bytes.Buffer
	w, err := stdflate.NewWriterDict(&buf, stdflate.DefaultCompression, dict)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := io.ReadAll(NewReaderDict(bytes.NewReader(buf.Bytes()), dict))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// TestPrimeResume decodes up to a block boundary, then restarts a fresh
// Reader there using only the boundary position, the residual bits of
// the preceding byte, and the output so far as dictionary -- the resume
// protocol an access-point index relies on.
func TestPrimeResume(t *testing.T) {
	data := testPattern(200000)
	comp := deflate(t, data, 30000)

	f := NewReader(bytes.NewReader(comp))
	var out bytes.Buffer
	var tmp [8192]byte
	var in int64
	var bits uint8
	for {
		n, boundary, err := f.ReadBlock(tmp[:])
		out.Write(tmp[:n])
		require.NoError(t, err, "no usable boundary found")
		if boundary && !f.Final() && out.Len() >= 60000 {
			in = f.InputOffset()
			bits = f.ResidualBits()
			break
		}
	}

	history := out.Bytes()
	r := NewReaderDict(bytes.NewReader(comp[in:]), history)
	if bits != 0 {
		r.Prime(uint(bits), comp[in-1]>>(8-bits))
	}
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, data[out.Len():], rest)
}

func TestCorruptInput(t *testing.T) {
	data := testPattern(50000)
	comp := deflate(t, data, 0)

	// Truncated stream.
	_, err := io.ReadAll(NewReader(bytes.NewReader(comp[:len(comp)/2])))
	require.Error(t, err)

	// Garbage is rejected, not decoded.
	_, err = io.ReadAll(NewReader(bytes.NewReader(bytes.Repeat([]byte{0xff}, 1024))))
	require.Error(t, err)
}
