package zinfo

import (
	"bufio"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// Gzip member framing, RFC 1952. The builder handles the container
// itself and hands only the deflate body to the block decoder, so that
// checkpoint offsets can account for headers of any length.
const (
	gzipID1     = 0x1f
	gzipID2     = 0x8b
	gzipDeflate = 8

	flagText    = 1 << 0
	flagHdrCrc  = 1 << 1
	flagExtra   = 1 << 2
	flagName    = 1 << 3
	flagComment = 1 << 4
)

// GZIP (RFC 1952) is little-endian, unlike ZLIB (RFC 1950).
func get4(p []byte) uint32 {
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
}

// readGzipHeader consumes one member header from br and returns the
// number of bytes it occupied. The optional fields (extra, name,
// comment, header CRC) are validated where the format allows and
// otherwise skipped; their lengths all count toward the result.
func readGzipHeader(br *bufio.Reader) (int64, error) {
	var buf [10]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	if buf[0] != gzipID1 || buf[1] != gzipID2 || buf[2] != gzipDeflate {
		return 0, ErrHeader
	}
	flg := buf[3]
	n := int64(10)

	digest := crc32.NewIEEE()
	digest.Write(buf[:])

	if flg&flagExtra != 0 {
		var lenBuf [2]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			return 0, errors.Wrap(err, "reading extra field length")
		}
		digest.Write(lenBuf[:])
		xlen := int(lenBuf[0]) | int(lenBuf[1])<<8
		n += 2
		for i := 0; i < xlen; i++ {
			c, err := br.ReadByte()
			if err != nil {
				return 0, errors.Wrap(err, "reading extra field")
			}
			digest.Write([]byte{c})
			n++
		}
	}

	// FNAME and FCOMMENT are NUL-terminated.
	for _, flag := range []byte{flagName, flagComment} {
		if flg&flag == 0 {
			continue
		}
		for {
			c, err := br.ReadByte()
			if err != nil {
				return 0, errors.Wrap(err, "reading header string")
			}
			digest.Write([]byte{c})
			n++
			if c == 0 {
				break
			}
		}
	}

	if flg&flagHdrCrc != 0 {
		sum := digest.Sum32() & 0xffff
		var crcBuf [2]byte
		if _, err := io.ReadFull(br, crcBuf[:]); err != nil {
			return 0, errors.Wrap(err, "reading header crc")
		}
		n += 2
		if uint32(crcBuf[0])|uint32(crcBuf[1])<<8 != sum {
			return 0, ErrHeader
		}
	}

	return n, nil
}

// checkGzipTrailer reads the 8-byte member trailer and verifies the
// CRC32 and modulo-2^32 size of the decompressed data against it.
func checkGzipTrailer(br *bufio.Reader, sum uint32, size int64) error {
	var buf [8]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrap(err, "reading gzip trailer")
	}
	if get4(buf[0:4]) != sum || get4(buf[4:8]) != uint32(size) {
		return ErrChecksum
	}
	return nil
}
