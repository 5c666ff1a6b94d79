package wia

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bodgit/plumbing"
	"github.com/bodgit/wia/internal/zero"
)

// Size returns the size of the uncompressed disc image.
func (d *Decoder) Size() int64 {
	return int64(d.header1.IsoFileSize)
}

func (d *Decoder) Read(p []byte) (n int, err error) {
	if d.off >= d.Size() {
		return 0, io.EOF
	}
	if max := d.Size() - d.off; int64(len(p)) > max {
		p = p[0:max]
	}
	n, err = d.ReadAt(p, d.off)
	d.off += int64(n)
	return
}

func (d *Decoder) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	default:
		return 0, errors.New("wia: invalid whence")
	case io.SeekStart:
		break
	case io.SeekCurrent:
		offset += d.off
	case io.SeekEnd:
		offset += d.Size()
	}
	if offset < 0 {
		return 0, errors.New("wia: invalid offset")
	}
	d.off = offset
	return offset, nil
}

// ReadAt reads len(p) bytes of the logical disc image starting at off.
// Partial output may have been written when an error is returned.
func (d *Decoder) ReadAt(p []byte, off int64) (int, error) {
	if d.err != nil {
		return 0, d.err
	}

	if len(p) == 0 {
		return 0, nil
	}

	if off < 0 || uint64(off)+uint64(len(p)) > d.DataSize() {
		return 0, fmt.Errorf("%w: read [%#x, %#x)", ErrOutOfRange, off, off+int64(len(p)))
	}

	read := 0
	for len(p) > 0 {
		n, err := d.readRegion(p, off)
		read += n
		if err != nil {
			return read, d.fatal(err)
		}
		p = p[n:]
		off += int64(n)
	}

	return read, nil
}

// readRegion serves as many bytes at off as the covering region allows and
// returns how many it wrote.
func (d *Decoder) readRegion(p []byte, off int64) (int, error) {
	// The first 0x80 bytes come from the verbatim disc header copy
	if off < int64(len(d.header2.DiscHeader)) {
		return copy(p, d.header2.DiscHeader[off:]), nil
	}

	chunkSize := int64(d.header2.ChunkSize)

	for i := range d.raw {
		x := &d.raw[i]

		dataOff, dataSize := int64(x.DataOff), int64(x.DataSize)
		if off < dataOff || off >= dataOff+dataSize {
			continue
		}

		// The first chunk of a raw area starts on the previous chunk
		// boundary; the entry's offset narrows the effective start
		skip := dataOff % chunkSize

		return d.readFromGroups(p, off, dataOff-skip, dataSize+skip, chunkSize,
			x.GroupIndex, x.NumGroup, false)
	}

	for i := range d.part {
		for j := range d.part[i].Data {
			e := &d.part[i].Data[j]
			if e.NumSector == 0 {
				continue
			}

			start := int64(e.FirstSector) * int64(SectorSize)
			size := int64(e.NumSector) * int64(SectorSize)
			if off < start || off >= start+size {
				continue
			}

			if j == 0 {
				// Hashed region, needs the sectors rebuilt
				return d.readWiiEncrypted(p, off, &d.part[i], e)
			}

			// Unhashed trailing region, stored as plain sectors
			return d.readFromGroups(p, off, start, size, chunkSize,
				e.GroupIndex, e.NumGroup, false)
		}
	}

	return 0, fmt.Errorf("%w: offset %#x is not covered", ErrOutOfRange, off)
}

// readFromGroups copies the window starting at off of an area covered by a
// chain of groups into p. dataOff and dataSize describe the area in the
// caller's coordinate space, already aligned to a chunk boundary. The
// number of bytes served is capped by the end of the area; the caller
// continues in the next region.
func (d *Decoder) readFromGroups(p []byte, off, dataOff, dataSize, chunkSize int64,
	groupIndex, numGroups uint32, exceptions bool) (int, error) {
	read := 0

	for len(p) > 0 && off < dataOff+dataSize {
		i := (off - dataOff) / chunkSize
		if i >= int64(numGroups) {
			return read, fmt.Errorf("%w: group chain too short", ErrCorrupt)
		}

		gi := int64(groupIndex) + i
		if gi >= int64(len(d.group)) {
			return read, fmt.Errorf("%w: group index out of bounds", ErrCorrupt)
		}

		// The last chunk of an area can fall short
		size := chunkSize
		if remain := dataSize - i*chunkSize; remain < size {
			size = remain
		}

		offInGroup := off - dataOff - i*chunkSize

		n := int64(len(p))
		if max := size - offInGroup; n > max {
			n = max
		}

		lists := 0
		if exceptions {
			lists = exceptionLists(size)
		}

		if err := d.readGroupWindow(&d.group[gi], size, offInGroup, p[:n], lists); err != nil {
			return read, err
		}

		p = p[n:]
		off += n
		read += int(n)
	}

	return read, nil
}

// readGroupWindow decompresses group g and copies the window
// [offset, offset+len(p)) of its payload into p.
func (d *Decoder) readGroupWindow(g *group, decompressedSize, offset int64, p []byte, lists int) error {
	rc, _, err := d.openGroup(g, decompressedSize, lists)
	if err != nil {
		return err
	}
	defer rc.Close()

	if offset > 0 {
		if _, err := io.CopyN(io.Discard, rc, offset); err != nil {
			return groupErr(err)
		}
	}

	if _, err := io.ReadFull(rc, p); err != nil {
		return groupErr(err)
	}

	return nil
}

// openGroup returns a reader over the decompressed payload of group g,
// with any hash-exception sublists already consumed and returned. lists is
// zero when exception lists don't apply to the area. decompressedSize is
// the size of the payload that follows them.
func (d *Decoder) openGroup(g *group, decompressedSize int64, lists int) (io.ReadCloser, [][]except, error) {
	// No bytes stored, the whole group reads as zeros
	if g.Size == 0 {
		return io.NopCloser(io.LimitReader(zero.NewReader(), decompressedSize)), nil, nil
	}

	sr := io.NewSectionReader(d.ra, g.offset(), int64(g.Size))

	var (
		rc   io.ReadCloser
		excs [][]except
		err  error
	)

	switch d.header2.Compression {
	case CompressionNone, CompressionPurge:
		// Exception lists are stored uncompressed ahead of the payload
		if lists > 0 {
			var n int64
			if excs, n, err = readExceptions(sr, lists); err != nil {
				return nil, nil, err
			}

			// Without compression the payload starts on the next
			// 4 byte boundary
			if pad := (4 - n%4) % 4; d.header2.Compression == CompressionNone && pad > 0 {
				if _, err = io.CopyN(io.Discard, sr, pad); err != nil {
					return nil, nil, groupErr(err)
				}
			}
		}

		if rc, err = d.newDecompressor(decompressedSize, sr); err != nil {
			return nil, nil, err
		}
	default:
		if rc, err = d.newDecompressor(decompressedSize, sr); err != nil {
			return nil, nil, err
		}

		if lists > 0 {
			if excs, _, err = readExceptions(rc, lists); err != nil {
				rc.Close()
				return nil, nil, err
			}
		}
	}

	return rc, excs, nil
}

// exceptionLists returns the number of hash-exception sublists preceding a
// partition chunk holding dataBytes of cleartext data. There is one
// sublist per run of 64 sectors.
func exceptionLists(dataBytes int64) int {
	sectors := (dataBytes + sectorDataSize - 1) / sectorDataSize

	lists := int((sectors + exceptionSectors - 1) / exceptionSectors)
	if lists < 1 {
		lists = 1
	}

	return lists
}

// readExceptions consumes lists hash-exception sublists from r, returning
// the entries per sublist and the number of bytes consumed.
func readExceptions(r io.Reader, lists int) ([][]except, int64, error) {
	wc := new(plumbing.WriteCounter)
	tr := io.TeeReader(r, wc)

	excs := make([][]except, lists)
	for i := range excs {
		var n uint16
		if err := binary.Read(tr, binary.BigEndian, &n); err != nil {
			return nil, 0, groupErr(err)
		}

		if n > 0 {
			excs[i] = make([]except, n)
			if err := binary.Read(tr, binary.BigEndian, &excs[i]); err != nil {
				return nil, 0, groupErr(err)
			}
		}
	}

	return excs, int64(wc.Count()), nil
}

// groupErr maps any failure while draining a group payload, including a
// short stream, onto ErrCorrupt.
func groupErr(err error) error {
	if err == nil || errors.Is(err, ErrCorrupt) || errors.Is(err, ErrUnsupportedFormat) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrCorrupt, err)
}
