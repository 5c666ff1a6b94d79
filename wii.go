package wia

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1" //nolint:gosec
	"fmt"
	"io"

	"github.com/connesc/cipherio"
)

// Layout of the 0x400 byte hash block in front of each sector's data. H0
// hashes the sector's own 31 data blocks, H1 the H0 tables of its subgroup
// of 8 sectors, H2 the H1 tables of the 8 subgroups.
const (
	h0Size = 31 * sha1.Size
	h0Pad  = 0x14
	h1Off  = h0Size + h0Pad
	h1Size = 8 * sha1.Size
	h1Pad  = 0x20
	h2Off  = h1Off + h1Size + h1Pad

	// The data IV sits inside the encrypted hash block
	ivOff = 0x3d0

	clusterSectors  = exceptionSectors
	clusterDataSize = clusterSectors * sectorDataSize
	clusterSize     = clusterSectors * int(SectorSize)
)

// A hashPatch is a stored hash override, relocated to an offset within a
// 64 sector run's concatenated hash area.
type hashPatch struct {
	Offset uint32
	Hash   [sha1.Size]byte
}

// SupportsReadWiiDecrypted reports whether ReadWiiDecrypted can be used
// with this image.
func (d *Decoder) SupportsReadWiiDecrypted() bool {
	return d.header2.DiscType == DiscWii
}

// ReadWiiDecrypted fills p with cleartext partition data, skipping the
// hash blocks: offset 0 is the first of the partition's 0x7c00 byte sector
// payloads. The partition is selected by partitionDataOffset, the absolute
// disc offset of its hashed data region. The requested range must lie
// entirely inside that region.
func (d *Decoder) ReadWiiDecrypted(p []byte, off, partitionDataOffset int64) error {
	if d.err != nil {
		return d.err
	}

	if d.header2.DiscType != DiscWii {
		return fmt.Errorf("%w: not a Wii disc", ErrUnsupported)
	}

	e := d.findPartData(partitionDataOffset)
	if e == nil {
		return fmt.Errorf("%w: no partition data at %#x", ErrUnsupported, partitionDataOffset)
	}

	if len(p) == 0 {
		return nil
	}

	dataSize := int64(e.NumSector) * sectorDataSize
	if off < 0 || off+int64(len(p)) > dataSize {
		return fmt.Errorf("%w: read [%#x, %#x)", ErrOutOfRange, off, off+int64(len(p)))
	}

	chunkData := int64(d.header2.ChunkSize) / int64(SectorSize) * sectorDataSize

	// Exception lists are present on every partition chunk but patch
	// hashes, which this path does not emit
	if _, err := d.readFromGroups(p, off, 0, dataSize, chunkData,
		e.GroupIndex, e.NumGroup, true); err != nil {
		return d.fatal(err)
	}

	return nil
}

func (d *Decoder) findPartData(partitionDataOffset int64) *partData {
	if partitionDataOffset < 0 || partitionDataOffset%int64(SectorSize) != 0 {
		return nil
	}

	firstSector := uint64(partitionDataOffset) / uint64(SectorSize)

	for i := range d.part {
		if e := &d.part[i].Data[0]; uint64(e.FirstSector) == firstSector && e.NumSector > 0 {
			return e
		}
	}

	return nil
}

// readWiiEncrypted serves a raw read that landed inside a partition's
// hashed region by rebuilding full encrypted sectors.
func (d *Decoder) readWiiEncrypted(p []byte, off int64, pt *part, e *partData) (int, error) {
	start := int64(e.FirstSector) * int64(SectorSize)
	size := int64(e.NumSector) * int64(SectorSize)

	rel := off - start
	cluster := rel / int64(clusterSize)

	buf, err := d.reconstructCluster(pt, e, cluster)
	if err != nil {
		return 0, err
	}

	clusterOff := rel - cluster*int64(clusterSize)

	avail := int64(len(buf)) - clusterOff
	if max := size - rel; max < avail {
		avail = max
	}
	if avail > int64(len(p)) {
		avail = int64(len(p))
	}

	return copy(p, buf[clusterOff:clusterOff+avail]), nil
}

// reconstructCluster rebuilds one 64 sector run of encrypted sectors from
// the stored cleartext data: the hash tree is computed, stored exceptions
// are patched over it, and both blocks are encrypted with the partition
// key.
func (d *Decoder) reconstructCluster(pt *part, e *partData, cluster int64) ([]byte, error) {
	// Data past the end of the partition stays zero, hashed as such
	data := make([]byte, clusterDataSize)

	patches, err := d.readWiiData(e, cluster*clusterSectors, data)
	if err != nil {
		return nil, err
	}

	hash := make([]byte, clusterSectors*sectorHashSize)

	for s := 0; s < clusterSectors; s++ {
		hs := hash[s*sectorHashSize:]
		for b := 0; b < h0Size/sha1.Size; b++ {
			sum := sha1.Sum(data[(s*31+b)*0x400 : (s*31+b+1)*0x400]) //nolint:gosec
			copy(hs[b*sha1.Size:], sum[:])
		}
	}

	for sg := 0; sg < 8; sg++ {
		var h1 [8][sha1.Size]byte
		for k := range h1 {
			h1[k] = sha1.Sum(hash[(sg*8+k)*sectorHashSize : (sg*8+k)*sectorHashSize+h0Size]) //nolint:gosec
		}
		for k := range h1 {
			dst := hash[(sg*8+k)*sectorHashSize+h1Off:]
			for j := range h1 {
				copy(dst[j*sha1.Size:], h1[j][:])
			}
		}
	}

	var h2 [8][sha1.Size]byte
	for sg := range h2 {
		h2[sg] = sha1.Sum(hash[sg*8*sectorHashSize+h1Off : sg*8*sectorHashSize+h1Off+h1Size]) //nolint:gosec
	}
	for s := 0; s < clusterSectors; s++ {
		dst := hash[s*sectorHashSize+h2Off:]
		for j := range h2 {
			copy(dst[j*sha1.Size:], h2[j][:])
		}
	}

	for _, x := range patches {
		if int64(x.Offset)+sha1.Size > int64(len(hash)) {
			return nil, fmt.Errorf("%w: hash exception out of bounds", ErrCorrupt)
		}
		copy(hash[x.Offset:], x.Hash[:])
	}

	block, err := aes.NewCipher(pt.Key[:])
	if err != nil {
		return nil, err
	}

	out := new(bytes.Buffer)
	out.Grow(clusterSize)

	encHash := new(bytes.Buffer)
	encHash.Grow(sectorHashSize)

	iv := make([]byte, aes.BlockSize)

	for s := 0; s < clusterSectors; s++ {
		encHash.Reset()

		wc := cipherio.NewBlockWriter(io.MultiWriter(out, encHash),
			cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)))
		if _, err = wc.Write(hash[s*sectorHashSize : (s+1)*sectorHashSize]); err != nil {
			return nil, err
		}
		if err = wc.Close(); err != nil {
			return nil, err
		}

		copy(iv, encHash.Bytes()[ivOff:])

		wc = cipherio.NewBlockWriter(out, cipher.NewCBCEncrypter(block, iv))
		if _, err = wc.Write(data[s*sectorDataSize : (s+1)*sectorDataSize]); err != nil {
			return nil, err
		}
		if err = wc.Close(); err != nil {
			return nil, err
		}
	}

	return out.Bytes(), nil
}

// readWiiData fills data with cleartext partition data starting at
// firstSector (relative to the start of the partition's data region),
// collecting the hash exceptions that land on the covered sectors. Sectors
// past the end of the partition read as zeros.
func (d *Decoder) readWiiData(e *partData, firstSector int64, data []byte) ([]hashPatch, error) {
	chunkData := int64(d.header2.ChunkSize) / int64(SectorSize) * sectorDataSize
	sectorsPerChunk := chunkData / sectorDataSize
	dataSize := int64(e.NumSector) * sectorDataSize

	offset := firstSector * sectorDataSize

	want := int64(len(data))
	if max := dataSize - offset; want > max {
		want = max
	}

	var patches []hashPatch

	for done := int64(0); done < want; {
		off := offset + done
		ci := off / chunkData

		gi := int64(e.GroupIndex) + ci
		if ci >= int64(e.NumGroup) || gi >= int64(len(d.group)) {
			return nil, fmt.Errorf("%w: group index out of bounds", ErrCorrupt)
		}

		size := chunkData
		if remain := dataSize - ci*chunkData; remain < size {
			size = remain
		}

		offInChunk := off - ci*chunkData

		n := want - done
		if max := size - offInChunk; n > max {
			n = max
		}

		excs, err := func() ([][]except, error) {
			rc, excs, err := d.openGroup(&d.group[gi], size, exceptionLists(size))
			if err != nil {
				return nil, err
			}
			defer rc.Close()

			if offInChunk > 0 {
				if _, err := io.CopyN(io.Discard, rc, offInChunk); err != nil {
					return nil, groupErr(err)
				}
			}

			if _, err := io.ReadFull(rc, data[done:done+n]); err != nil {
				return nil, groupErr(err)
			}

			return excs, nil
		}()
		if err != nil {
			return nil, err
		}

		// Relocate this chunk's exceptions onto the sector run
		chunkFirst := ci * sectorsPerChunk
		for li, list := range excs {
			base := chunkFirst + int64(li)*exceptionSectors
			for _, x := range list {
				sector := base + int64(x.Offset)/sectorHashSize
				if sector < firstSector || sector >= firstSector+clusterSectors {
					continue
				}
				patches = append(patches, hashPatch{
					Offset: uint32((sector-firstSector)*sectorHashSize + int64(x.Offset)%sectorHashSize),
					Hash:   x.Hash,
				})
			}
		}

		done += n
	}

	return patches, nil
}
