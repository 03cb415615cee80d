package region

import (
	"fmt"
	"regexp"
	"strconv"
)

// Size is the chunk grid held by one region file (Size x Size chunks).
const Size = 32

// FileExt is the on-disk extension of region container files.
const FileExt = ".rgn"

// Coord addresses a region within a dimension.
type Coord struct {
	X int `json:"x"`
	Z int `json:"z"`
}

func (c Coord) String() string { return fmt.Sprintf("r.%d.%d", c.X, c.Z) }

// FileName returns the canonical file name for a region, e.g. "r.0.-1.rgn".
func (c Coord) FileName() string { return fmt.Sprintf("r.%d.%d%s", c.X, c.Z, FileExt) }

// ChunkCoord addresses a chunk in world-absolute chunk coordinates.
type ChunkCoord struct {
	X int `json:"x"`
	Z int `json:"z"`
}

func (c ChunkCoord) String() string { return fmt.Sprintf("c.%d.%d", c.X, c.Z) }

// Region returns the region containing this chunk (floor division by Size).
func (c ChunkCoord) Region() Coord {
	return Coord{X: floorDiv(c.X, Size), Z: floorDiv(c.Z, Size)}
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

var fileNameRe = regexp.MustCompile(`^r\.(-?\d+)\.(-?\d+)\.rgn$`)

// ParseFileName extracts the region coordinate from a container file name.
func ParseFileName(name string) (Coord, bool) {
	m := fileNameRe.FindStringSubmatch(name)
	if m == nil {
		return Coord{}, false
	}
	x, err1 := strconv.Atoi(m[1])
	z, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return Coord{}, false
	}
	return Coord{X: x, Z: z}, true
}

// Less orders region coordinates by (x, z). Used everywhere a deterministic
// processing order is required.
func Less(a, b Coord) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	return a.Z < b.Z
}
