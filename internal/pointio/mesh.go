package pointio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/scaninspect/internal/geom"
)

// ReadSTL decodes an ascii or binary STL stream. Shared vertices are merged
// on exact coordinate equality.
func ReadSTL(r io.Reader) (*Mesh, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read stl: %w", err)
	}
	if isASCIISTL(data) {
		return readASCIISTL(data)
	}
	return readBinarySTL(data)
}

func isASCIISTL(data []byte) bool {
	if !bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("solid")) {
		return false
	}
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("facet")) || bytes.Contains(head, []byte("endsolid"))
}

type vertexMerger struct {
	index map[r3.Vector]int
	verts []r3.Vector
}

func newVertexMerger() *vertexMerger {
	return &vertexMerger{index: make(map[r3.Vector]int)}
}

func (m *vertexMerger) add(v r3.Vector) int {
	if i, ok := m.index[v]; ok {
		return i
	}
	m.index[v] = len(m.verts)
	m.verts = append(m.verts, v)
	return len(m.verts) - 1
}

func readASCIISTL(data []byte) (*Mesh, error) {
	merger := newVertexMerger()
	var tris [][3]int
	var face []int

	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "vertex":
			if len(fields) != 4 {
				return nil, fmt.Errorf("stl line %d: malformed vertex", line)
			}
			v, err := parseVector(fields[1:4])
			if err != nil {
				return nil, fmt.Errorf("stl line %d: %w", line, err)
			}
			face = append(face, merger.add(v))
		case "endloop":
			if len(face) != 3 {
				return nil, fmt.Errorf("stl line %d: facet with %d vertices", line, len(face))
			}
			tris = append(tris, [3]int{face[0], face[1], face[2]})
			face = face[:0]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stl: %w", err)
	}
	return meshFrom(merger.verts, tris)
}

func readBinarySTL(data []byte) (*Mesh, error) {
	if len(data) < 84 {
		return nil, fmt.Errorf("%w: stl shorter than header", ErrUnsupportedFormat)
	}
	n := int(binary.LittleEndian.Uint32(data[80:84]))
	if len(data) < 84+n*50 {
		return nil, fmt.Errorf("%w: stl declares %d facets but holds %d bytes", ErrUnsupportedFormat, n, len(data))
	}

	f32 := func(off int) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4])))
	}
	merger := newVertexMerger()
	tris := make([][3]int, 0, n)
	for i := 0; i < n; i++ {
		base := 84 + i*50 + 12 // skip the facet normal
		var t [3]int
		for k := 0; k < 3; k++ {
			off := base + k*12
			t[k] = merger.add(r3.Vector{X: f32(off), Y: f32(off + 4), Z: f32(off + 8)})
		}
		tris = append(tris, t)
	}
	return meshFrom(merger.verts, tris)
}

// ReadOBJ decodes the vertex and face records of a Wavefront OBJ stream.
// Texture and normal references in face records are ignored.
func ReadOBJ(r io.Reader) (*Mesh, error) {
	var verts []r3.Vector
	var tris [][3]int

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, fmt.Errorf("obj line %d: malformed vertex", line)
			}
			v, err := parseVector(fields[1:4])
			if err != nil {
				return nil, fmt.Errorf("obj line %d: %w", line, err)
			}
			verts = append(verts, v)
		case "f":
			poly := make([]int, 0, len(fields)-1)
			for _, f := range fields[1:] {
				ref := strings.SplitN(f, "/", 2)[0]
				i, err := strconv.Atoi(ref)
				if err != nil {
					return nil, fmt.Errorf("obj line %d: bad face index %q", line, f)
				}
				if i < 0 {
					i = len(verts) + i
				} else {
					i--
				}
				if i < 0 || i >= len(verts) {
					return nil, fmt.Errorf("obj line %d: face index %q out of range", line, f)
				}
				poly = append(poly, i)
			}
			for k := 1; k+1 < len(poly); k++ {
				tris = append(tris, [3]int{poly[0], poly[k], poly[k+1]})
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read obj: %w", err)
	}
	return meshFrom(verts, tris)
}

// ReadXYZ decodes whitespace-separated "x y z" rows. Extra columns and '#'
// comment lines are ignored.
func ReadXYZ(r io.Reader) (*Mesh, error) {
	var pts []r3.Vector
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "//") {
			continue
		}
		fields := strings.Fields(strings.ReplaceAll(text, ",", " "))
		if len(fields) < 3 {
			return nil, fmt.Errorf("xyz line %d: expected at least 3 columns", line)
		}
		v, err := parseVector(fields[:3])
		if err != nil {
			return nil, fmt.Errorf("xyz line %d: %w", line, err)
		}
		pts = append(pts, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read xyz: %w", err)
	}
	return meshFrom(pts, nil)
}

func parseVector(f []string) (r3.Vector, error) {
	var xyz [3]float64
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(f[i], 64)
		if err != nil {
			return r3.Vector{}, fmt.Errorf("parse coordinate %q: %w", f[i], err)
		}
		xyz[i] = v
	}
	return r3.Vector{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
}

func meshFrom(verts []r3.Vector, tris [][3]int) (*Mesh, error) {
	cloud, err := geom.NewPointCloud(verts, nil, nil)
	if err != nil {
		return nil, err
	}
	return &Mesh{Cloud: cloud, Triangles: tris}, nil
}

// Decode picks a reader from the file extension of name.
func Decode(name string, r io.Reader) (*Mesh, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ply":
		return ReadPLY(r)
	case ".stl":
		return ReadSTL(r)
	case ".obj":
		return ReadOBJ(r)
	case ".xyz", ".txt", ".asc", ".pts":
		return ReadXYZ(r)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(name))
}

// Load opens and decodes the file at path.
func Load(path string) (*Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(path, f)
}
