package wia

import (
	"bytes"
	"compress/bzip2"
	"crypto/sha1" //nolint:gosec
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

// A decompressorFunc turns the stored bytes of one group (or table) into
// its logical output. size is the expected decompressed size; only purge
// needs it, to materialize its sparse output.
type decompressorFunc func(props []byte, size int64, r io.Reader) (io.ReadCloser, error)

func decompressor(compression uint32) decompressorFunc {
	switch compression {
	case CompressionNone:
		return noneDecompressor
	case CompressionPurge:
		return purgeDecompressor
	case CompressionBzip2:
		return bzip2Decompressor
	case CompressionLZMA:
		return lzmaDecompressor
	case CompressionLZMA2:
		return lzma2Decompressor
	}

	return nil
}

func noneDecompressor(_ []byte, _ int64, r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

func bzip2Decompressor(_ []byte, _ int64, r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(bzip2.NewReader(r)), nil
}

// Classic LZMA header: five properties bytes then the uncompressed size.
const lzmaHeaderLen = 13

// The stored stream is raw LZMA with the properties carried in the file
// header, so synthesize the classic header in front of it. The size field
// is left unknown; the caller tracks the logical length and never reads
// past it, with or without an end-of-stream marker.
func lzmaDecompressor(props []byte, _ int64, r io.Reader) (io.ReadCloser, error) {
	if len(props) != lzmaHeaderLen-8 {
		return nil, fmt.Errorf("%w: bad LZMA properties", ErrCorrupt)
	}

	header := make([]byte, lzmaHeaderLen)
	copy(header, props)
	binary.LittleEndian.PutUint64(header[len(props):], ^uint64(0))

	lr, err := lzma.NewReader(io.MultiReader(bytes.NewReader(header), r))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return io.NopCloser(lr), nil
}

func lzma2Decompressor(props []byte, _ int64, r io.Reader) (io.ReadCloser, error) {
	if len(props) != 1 {
		return nil, fmt.Errorf("%w: bad LZMA2 properties", ErrCorrupt)
	}

	dc, err := lzma2DictCap(props[0])
	if err != nil {
		return nil, err
	}

	lr, err := lzma.Reader2Config{DictCap: dc}.NewReader2(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return io.NopCloser(lr), nil
}

// The single LZMA2 properties byte encodes the dictionary size.
func lzma2DictCap(p byte) (int, error) {
	if p > 40 {
		return 0, fmt.Errorf("%w: bad LZMA2 dictionary size", ErrCorrupt)
	}
	if p == 40 {
		return 1<<32 - 1, nil
	}

	return (2 | int(p)&1) << (int(p)/2 + 11), nil
}

type purgeSegment struct {
	Offset uint32
	Size   uint32
}

// A purge payload is a sparse list of segments over an otherwise zeroed
// buffer, with a SHA-1 of the expanded buffer as a trailer. The buffer is
// materialized and verified up front; no byte is released before the
// digest has matched.
func purgeDecompressor(_ []byte, size int64, r io.Reader) (io.ReadCloser, error) {
	in, err := io.ReadAll(r)
	if err != nil {
		return nil, readErr(err)
	}

	if len(in) < sha1.Size {
		return nil, fmt.Errorf("%w: purge data truncated", ErrCorrupt)
	}
	payload, digest := in[:len(in)-sha1.Size], in[len(in)-sha1.Size:]

	out := make([]byte, size)

	br := bytes.NewReader(payload)
	for br.Len() > 0 {
		var segment purgeSegment
		if err := binary.Read(br, binary.BigEndian, &segment); err != nil {
			return nil, fmt.Errorf("%w: bad purge segment", ErrCorrupt)
		}

		end := int64(segment.Offset) + int64(segment.Size)
		if end > size {
			return nil, fmt.Errorf("%w: purge segment out of bounds", ErrCorrupt)
		}

		if _, err := io.ReadFull(br, out[segment.Offset:end]); err != nil {
			return nil, fmt.Errorf("%w: bad purge segment", ErrCorrupt)
		}
	}

	if sum := sha1.Sum(out); !bytes.Equal(sum[:], digest) { //nolint:gosec
		return nil, fmt.Errorf("%w: purge hash doesn't match", ErrCorrupt)
	}

	return io.NopCloser(bytes.NewReader(out)), nil
}
