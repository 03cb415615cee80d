// Package stage validates and indexes a staged snapshot directory before any
// job references it. Validation is all-or-nothing: a snapshot that fails any
// check never produces a partial index.
package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"hotimportd/internal/region"
)

//go:embed manifest.schema.json
var manifestSchemaJSON string

var manifestSchema = jsonschema.MustCompileString("manifest.schema.json", manifestSchemaJSON)

// ErrInvalid wraps every validation failure so callers can map it to the
// InvalidSnapshot error code without inspecting the cause.
var ErrInvalid = errors.New("invalid snapshot")

type Manifest struct {
	Version    int                        `json:"version"`
	Name       string                     `json:"name,omitempty"`
	Dimensions map[string][]ManifestEntry `json:"dimensions"`
}

type ManifestEntry struct {
	File   string `json:"file"`
	SHA256 string `json:"sha256,omitempty"`
}

// IndexEntry describes one validated region file.
type IndexEntry struct {
	Dim    string
	Coord  region.Coord
	Path   string
	SHA256 string
	Size   int64
	Chunks []region.ChunkEntry
}

// Index is the validated view of a staged snapshot, consumed by the diff
// scanner instead of re-parsing region files.
type Index struct {
	Root    string
	Name    string
	Regions []IndexEntry // sorted by (dim, x, z)
}

// RegionCount returns the number of region files in the snapshot.
func (ix *Index) RegionCount() int { return len(ix.Regions) }

// Validate checks the staged snapshot at root and builds its index: the
// manifest parses and matches its schema, every referenced region file is
// present, recorded checksums match, and every container decodes cleanly
// (all chunk payloads decompress and match their CRCs).
func Validate(root string) (*Index, error) {
	raw, err := os.ReadFile(filepath.Join(root, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: manifest.json: %v", ErrInvalid, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: manifest.json: %v", ErrInvalid, err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: manifest.json: %v", ErrInvalid, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest.json: %v", ErrInvalid, err)
	}

	ix := &Index{Root: root, Name: m.Name}
	for dim, entries := range m.Dimensions {
		seen := make(map[region.Coord]struct{}, len(entries))
		for _, me := range entries {
			coord, ok := region.ParseFileName(me.File)
			if !ok {
				return nil, fmt.Errorf("%w: %s/%s: bad region file name", ErrInvalid, dim, me.File)
			}
			if _, dup := seen[coord]; dup {
				return nil, fmt.Errorf("%w: %s/%s: duplicate region %s", ErrInvalid, dim, me.File, coord)
			}
			seen[coord] = struct{}{}

			path := filepath.Join(root, dim, me.File)
			entry, err := validateRegionFile(dim, coord, path, me.SHA256)
			if err != nil {
				return nil, err
			}
			ix.Regions = append(ix.Regions, entry)
		}
	}
	if len(ix.Regions) == 0 {
		return nil, fmt.Errorf("%w: no region files", ErrInvalid)
	}

	sort.Slice(ix.Regions, func(i, j int) bool {
		a, b := ix.Regions[i], ix.Regions[j]
		if a.Dim != b.Dim {
			return a.Dim < b.Dim
		}
		return region.Less(a.Coord, b.Coord)
	})
	return ix, nil
}

func validateRegionFile(dim string, coord region.Coord, path, wantSHA string) (IndexEntry, error) {
	st, err := os.Stat(path)
	if err != nil {
		return IndexEntry{}, fmt.Errorf("%w: %s/%s: %v", ErrInvalid, dim, filepath.Base(path), err)
	}

	sha, err := fileSHA256(path)
	if err != nil {
		return IndexEntry{}, fmt.Errorf("%w: %s/%s: %v", ErrInvalid, dim, filepath.Base(path), err)
	}
	if wantSHA != "" && sha != wantSHA {
		return IndexEntry{}, fmt.Errorf("%w: %s/%s: checksum mismatch", ErrInvalid, dim, filepath.Base(path))
	}

	// Full decode: proves the header is well formed and every compressed
	// chunk payload decompresses to data matching its CRC.
	reg, err := region.ReadFile(path)
	if err != nil {
		return IndexEntry{}, fmt.Errorf("%w: %s/%s: %v", ErrInvalid, dim, filepath.Base(path), err)
	}
	if reg.Coord != coord {
		return IndexEntry{}, fmt.Errorf("%w: %s/%s: header coord %s does not match file name", ErrInvalid, dim, filepath.Base(path), reg.Coord)
	}

	hdr, err := region.ReadIndex(path)
	if err != nil {
		return IndexEntry{}, fmt.Errorf("%w: %s/%s: %v", ErrInvalid, dim, filepath.Base(path), err)
	}
	return IndexEntry{Dim: dim, Coord: coord, Path: path, SHA256: sha, Size: st.Size(), Chunks: hdr.Chunks}, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteManifest indexes the region files already present under root and
// writes a manifest.json with recorded checksums. Used by snapshot producers
// and test fixtures.
func WriteManifest(root, name string) error {
	dims, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	m := Manifest{Version: 1, Name: name, Dimensions: make(map[string][]ManifestEntry)}
	for _, d := range dims {
		if !d.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, d.Name()))
		if err != nil {
			return err
		}
		for _, f := range files {
			if _, ok := region.ParseFileName(f.Name()); !ok {
				continue
			}
			sha, err := fileSHA256(filepath.Join(root, d.Name(), f.Name()))
			if err != nil {
				return err
			}
			m.Dimensions[d.Name()] = append(m.Dimensions[d.Name()], ManifestEntry{File: f.Name(), SHA256: sha})
		}
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, "manifest.json"), append(b, '\n'), 0o644)
}
