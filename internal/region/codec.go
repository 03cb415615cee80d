package region

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// Container file layout:
//
//	header JSON line '\n' payload bytes
//
// The header carries the chunk index; chunk offsets are relative to the first
// byte after the header newline. Payloads are independent zstd frames so a
// single chunk can be decoded without touching its neighbors.

const headerVersion = 1

// ErrCorrupt is returned when a container fails structural validation.
var ErrCorrupt = errors.New("corrupt region container")

type Header struct {
	Version int          `json:"version"`
	Coord   Coord        `json:"coord"`
	Chunks  []ChunkEntry `json:"chunks"`
}

// ChunkEntry locates one compressed chunk payload inside the container.
// CRC is the CRC32 (IEEE) of the uncompressed chunk data and is the value
// compared during diff scans.
type ChunkEntry struct {
	Coord  ChunkCoord `json:"coord"`
	Offset int64      `json:"offset"`
	Size   int64      `json:"size"`
	CRC    uint32     `json:"crc"`
}

// Region is a fully decoded container: chunk coord -> uncompressed payload.
type Region struct {
	Coord  Coord
	Chunks map[ChunkCoord][]byte
}

func NewRegion(c Coord) *Region {
	return &Region{Coord: c, Chunks: make(map[ChunkCoord][]byte)}
}

// ChunkCRC computes the checksum stored in chunk index entries.
func ChunkCRC(data []byte) uint32 { return crc32.ChecksumIEEE(data) }

var (
	encPool, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decPool, _ = zstd.NewReader(nil)
)

// Write encodes the region to w. Chunks are emitted in (x, z) order so the
// same region content always produces the same bytes.
func (r *Region) Write(w io.Writer) error {
	coords := make([]ChunkCoord, 0, len(r.Chunks))
	for c := range r.Chunks {
		coords = append(coords, c)
	}
	sort.Slice(coords, func(i, j int) bool {
		if coords[i].X != coords[j].X {
			return coords[i].X < coords[j].X
		}
		return coords[i].Z < coords[j].Z
	})

	var payload bytes.Buffer
	hdr := Header{Version: headerVersion, Coord: r.Coord, Chunks: make([]ChunkEntry, 0, len(coords))}
	for _, c := range coords {
		data := r.Chunks[c]
		frame := encPool.EncodeAll(data, nil)
		hdr.Chunks = append(hdr.Chunks, ChunkEntry{
			Coord:  c,
			Offset: int64(payload.Len()),
			Size:   int64(len(frame)),
			CRC:    ChunkCRC(data),
		})
		payload.Write(frame)
	}

	hb, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(w, 256*1024)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if _, err := bw.Write(payload.Bytes()); err != nil {
		return err
	}
	return bw.Flush()
}

// Read decodes a full container, verifying every chunk payload against its
// index entry. Any structural problem maps to ErrCorrupt.
func Read(rd io.Reader) (*Region, error) {
	br := bufio.NewReaderSize(rd, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	var hdr Header
	if err := json.Unmarshal(line, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if hdr.Version != headerVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, hdr.Version)
	}
	payload, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}

	reg := NewRegion(hdr.Coord)
	for _, e := range hdr.Chunks {
		if e.Offset < 0 || e.Size <= 0 || e.Offset+e.Size > int64(len(payload)) {
			return nil, fmt.Errorf("%w: chunk %s out of bounds", ErrCorrupt, e.Coord)
		}
		frame := payload[e.Offset : e.Offset+e.Size]
		data, err := decPool.DecodeAll(frame, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %s: %v", ErrCorrupt, e.Coord, err)
		}
		if ChunkCRC(data) != e.CRC {
			return nil, fmt.Errorf("%w: chunk %s checksum mismatch", ErrCorrupt, e.Coord)
		}
		reg.Chunks[e.Coord] = data
	}
	return reg, nil
}

// ReadFile decodes the container at path.
func ReadFile(path string) (*Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// ReadIndex decodes only the header of the container at path. Cheaper than
// ReadFile when the caller needs checksums but not payloads.
func ReadIndex(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return Header{}, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	var hdr Header
	if err := json.Unmarshal(line, &hdr); err != nil {
		return Header{}, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if hdr.Version != headerVersion {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, hdr.Version)
	}
	return hdr, nil
}
