package wia

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1" //nolint:gosec
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func partitionChunk(t *testing.T, excs []except, data []byte) []byte {
	t.Helper()

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint16(len(excs)))
	for _, e := range excs {
		_ = binary.Write(buf, binary.BigEndian, e)
	}
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	buf.Write(data)

	return buf.Bytes()
}

// wiiImage builds a Wii image with one raw area, a partition of eight
// hashed sectors and a two sector unhashed trailing region. excs lists
// hash exceptions per partition chunk.
func wiiImage(t *testing.T, excs map[int][]except) (ti *testImage, logical, data, trailing, key []byte) {
	t.Helper()

	const (
		chunkSize  = 0x8000
		numSectors = 8
	)

	logical = pattern(chunkSize, 5)              // first sector, raw area
	data = pattern(numSectors*sectorDataSize, 9) // partition cleartext
	trailing = pattern(2*int(SectorSize), 11)    // unhashed trailing region
	key = pattern(aes.BlockSize, 7)

	ti = &testImage{
		discType:    DiscWii,
		compression: CompressionNone,
		chunkSize:   chunkSize,
		isoSize:     (1 + numSectors + 2) * uint64(SectorSize),
		discHeader:  logical[:0x80],
		parts: []part{
			{
				Data: [2]partData{
					{FirstSector: 1, NumSector: numSectors, GroupIndex: 1, NumGroup: numSectors},
					{FirstSector: 1 + numSectors, NumSector: 2, GroupIndex: 1 + numSectors, NumGroup: 2},
				},
			},
		},
		raws: []raw{
			{DataOff: 0x80, DataSize: chunkSize - 0x80, GroupIndex: 0, NumGroup: 1},
		},
		groups: [][]byte{logical},
	}
	copy(ti.parts[0].Key[:], key)

	// One sector of cleartext data per chunk
	for i := 0; i < numSectors; i++ {
		ti.groups = append(ti.groups,
			partitionChunk(t, excs[i], data[i*sectorDataSize:(i+1)*sectorDataSize]))
	}

	for i := 0; i < 2; i++ {
		ti.groups = append(ti.groups, trailing[i*int(SectorSize):(i+1)*int(SectorSize)])
	}

	return ti, logical, data, trailing, key
}

func TestReadWiiDecrypted(t *testing.T) {
	t.Parallel()

	ti, _, data, _, _ := wiiImage(t, nil)
	d := newTestDecoder(t, ti.build(t))

	if !d.SupportsReadWiiDecrypted() {
		t.Fatal("SupportsReadWiiDecrypted() = false for a Wii disc")
	}

	pdo := int64(SectorSize) // partition data starts at the second sector

	out := make([]byte, len(data))
	if err := d.ReadWiiDecrypted(out, 0, pdo); err != nil {
		t.Fatalf("ReadWiiDecrypted: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("decrypted read differs from original cleartext")
	}

	// Windows, including one crossing a chunk boundary
	for _, w := range []struct{ off, size int64 }{
		{0, 1},
		{0x7bfe, 4},
		{0x7c00, 0x7c00},
		{0x1234, 0x10000},
		{int64(len(data)) - 1, 1},
	} {
		p := make([]byte, w.size)
		if err := d.ReadWiiDecrypted(p, w.off, pdo); err != nil {
			t.Fatalf("ReadWiiDecrypted(%#x, %#x): %v", w.off, w.size, err)
		}
		if !bytes.Equal(p, data[w.off:w.off+w.size]) {
			t.Errorf("ReadWiiDecrypted(%#x, %#x) differs from cleartext", w.off, w.size)
		}
	}

	if err := d.ReadWiiDecrypted(nil, 0, pdo); err != nil {
		t.Errorf("zero length read = %v", err)
	}

	if err := d.ReadWiiDecrypted(make([]byte, 1), int64(len(data)), pdo); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("read past the partition = %v, want %v", err, ErrOutOfRange)
	}

	if err := d.ReadWiiDecrypted(make([]byte, 1), 0, 0x10000); !errors.Is(err, ErrUnsupported) {
		t.Errorf("read with an unknown partition offset = %v, want %v", err, ErrUnsupported)
	}
}

func TestReadWiiDecryptedGameCube(t *testing.T) {
	t.Parallel()

	ti, _ := gcImage(t, CompressionNone)
	d := newTestDecoder(t, ti.build(t))

	if err := d.ReadWiiDecrypted(make([]byte, 1), 0, 0); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ReadWiiDecrypted on a GameCube disc = %v, want %v", err, ErrUnsupported)
	}
}

func TestReadWiiEncrypted(t *testing.T) {
	t.Parallel()

	patch := [sha1.Size]byte{0xde, 0xad, 0xbe, 0xef, 0x42}

	ti, logical, data, trailing, key := wiiImage(t, map[int][]except{
		0: {{Offset: 0x26c, Hash: patch}}, // inside the H0 padding of the first sector
	})

	d := newTestDecoder(t, ti.build(t))

	full := make([]byte, ti.isoSize)
	if _, err := d.ReadAt(full, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if !bytes.Equal(full[:0x8000], logical) {
		t.Error("raw area differs from original image")
	}
	if !bytes.Equal(full[0x48000:], trailing) {
		t.Error("unhashed trailing region differs from original image")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}

	hashBlock := make([]byte, sectorHashSize)
	dataBlock := make([]byte, sectorDataSize)
	h2 := make([]byte, 0xa0)

	for s := 0; s < 8; s++ {
		sector := full[0x8000+s*int(SectorSize) : 0x8000+(s+1)*int(SectorSize)]

		cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).
			CryptBlocks(hashBlock, sector[:sectorHashSize])
		cipher.NewCBCDecrypter(block, sector[ivOff:ivOff+aes.BlockSize]).
			CryptBlocks(dataBlock, sector[sectorHashSize:])

		if !bytes.Equal(dataBlock, data[s*sectorDataSize:(s+1)*sectorDataSize]) {
			t.Errorf("sector %d data differs from cleartext", s)
		}

		// H0 covers the sector's own data blocks
		for b := 0; b < 31; b++ {
			sum := sha1.Sum(dataBlock[b*0x400 : (b+1)*0x400]) //nolint:gosec
			if !bytes.Equal(sum[:], hashBlock[b*sha1.Size:(b+1)*sha1.Size]) {
				t.Fatalf("sector %d block %d H0 hash doesn't match", s, b)
			}
		}

		// H2 is identical across the run of sectors
		if s == 0 {
			copy(h2, hashBlock[h2Off:h2Off+h1Size])
		} else if !bytes.Equal(h2, hashBlock[h2Off:h2Off+h1Size]) {
			t.Errorf("sector %d H2 table differs from sector 0", s)
		}

		if s == 0 {
			if !bytes.Equal(hashBlock[0x26c:0x26c+sha1.Size], patch[:]) {
				t.Error("hash exception was not applied")
			}
		}
	}

	// Random access agrees with the full read
	for _, w := range []struct{ off, size int64 }{
		{0x8000, 0x8000},
		{0x8123, 0x9000},
		{0x7ff0, 0x20},  // raw area into partition
		{0x47ff0, 0x20}, // partition into trailing region
	} {
		p := make([]byte, w.size)
		if _, err := d.ReadAt(p, w.off); err != nil {
			t.Fatalf("ReadAt(%#x, %#x): %v", w.off, w.size, err)
		}
		if !bytes.Equal(p, full[w.off:w.off+w.size]) {
			t.Errorf("ReadAt(%#x, %#x) differs from full read", w.off, w.size)
		}
	}

	// Sequential read agrees too
	b, err := io.ReadAll(newTestDecoder(t, ti.build(t)))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(b, full) {
		t.Error("sequential read differs from full read")
	}
}
