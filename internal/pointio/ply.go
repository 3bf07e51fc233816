// Package pointio reads and writes the point-cloud and mesh formats used at
// the edges of the inspection pipeline: PLY (ascii and binary), STL, OBJ,
// XYZ and CloudCompare ASC.
package pointio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/scaninspect/internal/geom"
)

// ErrUnsupportedFormat is returned for files whose encoding cannot be read.
var ErrUnsupportedFormat = errors.New("unsupported point file format")

// Mesh is a decoded file: vertices with optional attributes and, for mesh
// formats, triangles over those vertices.
type Mesh struct {
	Cloud     geom.PointCloud
	Triangles [][3]int
}

// PLYFormat selects the body encoding written by WritePLY.
type PLYFormat int

const (
	PLYBinary PLYFormat = iota
	PLYASCII
)

type plyProperty struct {
	name      string
	typ       string
	list      bool
	countType string
}

type plyElement struct {
	name  string
	count int
	props []plyProperty
}

type plyHeader struct {
	format   string
	elements []plyElement
}

// ReadPLY decodes an ascii, binary_little_endian or binary_big_endian PLY
// stream. Vertex x/y/z are required; nx/ny/nz and red/green/blue are read
// when present. Polygon faces are fan-triangulated.
func ReadPLY(r io.Reader) (*Mesh, error) {
	br := bufio.NewReader(r)
	h, err := readPLYHeader(br)
	if err != nil {
		return nil, err
	}

	var order binary.ByteOrder
	switch h.format {
	case "ascii":
	case "binary_little_endian":
		order = binary.LittleEndian
	case "binary_big_endian":
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: ply format %q", ErrUnsupportedFormat, h.format)
	}

	var src plyValueSource
	if order == nil {
		src = &plyASCIISource{r: br}
	} else {
		src = &plyBinarySource{r: br, order: order}
	}

	var (
		points   []r3.Vector
		normals  []r3.Vector
		colors   []geom.Color
		tris     [][3]int
		haveVert bool
	)
	for _, el := range h.elements {
		switch el.name {
		case "vertex":
			haveVert = true
			points, normals, colors, err = readPLYVertices(src, el)
		case "face":
			tris, err = readPLYFaces(src, el)
		default:
			err = skipPLYElement(src, el)
		}
		if err != nil {
			return nil, fmt.Errorf("read ply %s: %w", el.name, err)
		}
	}
	if !haveVert {
		return nil, fmt.Errorf("%w: ply has no vertex element", ErrUnsupportedFormat)
	}
	for _, t := range tris {
		for _, v := range t {
			if v < 0 || v >= len(points) {
				return nil, fmt.Errorf("ply face references vertex %d of %d", v, len(points))
			}
		}
	}

	cloud, err := geom.NewPointCloud(points, normals, colors)
	if err != nil {
		return nil, err
	}
	return &Mesh{Cloud: cloud, Triangles: tris}, nil
}

func readPLYHeader(br *bufio.Reader) (*plyHeader, error) {
	magic, err := br.ReadString('\n')
	if err != nil || strings.TrimSpace(magic) != "ply" {
		return nil, fmt.Errorf("%w: missing ply magic", ErrUnsupportedFormat)
	}

	h := &plyHeader{}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read ply header: %w", err)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 {
				return nil, fmt.Errorf("malformed ply format line %q", line)
			}
			h.format = fields[1]
		case "comment", "obj_info":
		case "element":
			if len(fields) != 3 {
				return nil, fmt.Errorf("malformed ply element line %q", line)
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("malformed ply element count %q", fields[2])
			}
			h.elements = append(h.elements, plyElement{name: fields[1], count: n})
		case "property":
			if len(h.elements) == 0 {
				return nil, fmt.Errorf("ply property before element")
			}
			el := &h.elements[len(h.elements)-1]
			switch {
			case len(fields) == 5 && fields[1] == "list":
				el.props = append(el.props, plyProperty{name: fields[4], typ: fields[3], list: true, countType: fields[2]})
			case len(fields) == 3:
				el.props = append(el.props, plyProperty{name: fields[2], typ: fields[1]})
			default:
				return nil, fmt.Errorf("malformed ply property line %q", line)
			}
		case "end_header":
			return h, nil
		default:
			return nil, fmt.Errorf("unknown ply header keyword %q", fields[0])
		}
	}
}

func readPLYVertices(src plyValueSource, el plyElement) ([]r3.Vector, []r3.Vector, []geom.Color, error) {
	idx := map[string]int{}
	for i, p := range el.props {
		idx[p.name] = i
	}
	for _, k := range []string{"x", "y", "z"} {
		if _, ok := idx[k]; !ok {
			return nil, nil, nil, fmt.Errorf("%w: vertex has no %q property", ErrUnsupportedFormat, k)
		}
	}
	_, hasN := idx["nx"]
	_, hasC := idx["red"]

	points := make([]r3.Vector, el.count)
	var normals []r3.Vector
	var colors []geom.Color
	if hasN {
		normals = make([]r3.Vector, el.count)
	}
	if hasC {
		colors = make([]geom.Color, el.count)
	}

	row := make([]float64, len(el.props))
	for i := 0; i < el.count; i++ {
		for j, p := range el.props {
			if p.list {
				if err := skipPLYList(src, p); err != nil {
					return nil, nil, nil, err
				}
				continue
			}
			v, err := src.next(p.typ)
			if err != nil {
				return nil, nil, nil, err
			}
			row[j] = v
		}
		points[i] = r3.Vector{X: row[idx["x"]], Y: row[idx["y"]], Z: row[idx["z"]]}
		if hasN {
			normals[i] = r3.Vector{X: row[idx["nx"]], Y: row[idx["ny"]], Z: row[idx["nz"]]}
		}
		if hasC {
			colors[i] = geom.Color{
				R: colorByte(row[idx["red"]], el.props[idx["red"]].typ),
				G: colorByte(row[idx["green"]], el.props[idx["green"]].typ),
				B: colorByte(row[idx["blue"]], el.props[idx["blue"]].typ),
			}
		}
	}
	return points, normals, colors, nil
}

func colorByte(v float64, typ string) uint8 {
	if typ == "float" || typ == "float32" || typ == "double" || typ == "float64" {
		v *= 255
	}
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}

func readPLYFaces(src plyValueSource, el plyElement) ([][3]int, error) {
	var tris [][3]int
	for i := 0; i < el.count; i++ {
		for _, p := range el.props {
			if !p.list {
				if _, err := src.next(p.typ); err != nil {
					return nil, err
				}
				continue
			}
			n, err := src.next(p.countType)
			if err != nil {
				return nil, err
			}
			poly := make([]int, int(n))
			for k := range poly {
				v, err := src.next(p.typ)
				if err != nil {
					return nil, err
				}
				poly[k] = int(v)
			}
			if p.name != "vertex_indices" && p.name != "vertex_index" {
				continue
			}
			for k := 1; k+1 < len(poly); k++ {
				tris = append(tris, [3]int{poly[0], poly[k], poly[k+1]})
			}
		}
	}
	return tris, nil
}

func skipPLYElement(src plyValueSource, el plyElement) error {
	for i := 0; i < el.count; i++ {
		for _, p := range el.props {
			var err error
			if p.list {
				err = skipPLYList(src, p)
			} else {
				_, err = src.next(p.typ)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func skipPLYList(src plyValueSource, p plyProperty) error {
	n, err := src.next(p.countType)
	if err != nil {
		return err
	}
	for k := 0; k < int(n); k++ {
		if _, err := src.next(p.typ); err != nil {
			return err
		}
	}
	return nil
}

type plyValueSource interface {
	next(typ string) (float64, error)
}

type plyASCIISource struct {
	r      *bufio.Reader
	fields []string
}

func (s *plyASCIISource) next(string) (float64, error) {
	for len(s.fields) == 0 {
		line, err := s.r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		s.fields = strings.Fields(line)
	}
	v, err := strconv.ParseFloat(s.fields[0], 64)
	s.fields = s.fields[1:]
	if err != nil {
		return 0, fmt.Errorf("parse ply value: %w", err)
	}
	return v, nil
}

type plyBinarySource struct {
	r     io.Reader
	order binary.ByteOrder
	buf   [8]byte
}

func (s *plyBinarySource) next(typ string) (float64, error) {
	size, err := plyTypeSize(typ)
	if err != nil {
		return 0, err
	}
	b := s.buf[:size]
	if _, err := io.ReadFull(s.r, b); err != nil {
		return 0, err
	}
	switch typ {
	case "char", "int8":
		return float64(int8(b[0])), nil
	case "uchar", "uint8":
		return float64(b[0]), nil
	case "short", "int16":
		return float64(int16(s.order.Uint16(b))), nil
	case "ushort", "uint16":
		return float64(s.order.Uint16(b)), nil
	case "int", "int32":
		return float64(int32(s.order.Uint32(b))), nil
	case "uint", "uint32":
		return float64(s.order.Uint32(b)), nil
	case "float", "float32":
		return float64(math.Float32frombits(s.order.Uint32(b))), nil
	default:
		return math.Float64frombits(s.order.Uint64(b)), nil
	}
}

func plyTypeSize(typ string) (int, error) {
	switch typ {
	case "char", "int8", "uchar", "uint8":
		return 1, nil
	case "short", "int16", "ushort", "uint16":
		return 2, nil
	case "int", "int32", "uint", "uint32", "float", "float32":
		return 4, nil
	case "double", "float64":
		return 8, nil
	}
	return 0, fmt.Errorf("%w: ply type %q", ErrUnsupportedFormat, typ)
}

// WritePLY encodes a cloud as PLY with an explicit vertex count header.
// Positions and normals are doubles; colors are uchar red/green/blue.
func WritePLY(w io.Writer, c geom.PointCloud, format PLYFormat) error {
	if err := c.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)

	enc := "binary_little_endian"
	if format == PLYASCII {
		enc = "ascii"
	}
	fmt.Fprintf(bw, "ply\nformat %s 1.0\ncomment scaninspect\n", enc)
	fmt.Fprintf(bw, "element vertex %d\n", c.Len())
	fmt.Fprint(bw, "property double x\nproperty double y\nproperty double z\n")
	if c.HasNormals() {
		fmt.Fprint(bw, "property double nx\nproperty double ny\nproperty double nz\n")
	}
	if c.HasColors() {
		fmt.Fprint(bw, "property uchar red\nproperty uchar green\nproperty uchar blue\n")
	}
	fmt.Fprint(bw, "end_header\n")

	for i, p := range c.Points {
		if format == PLYASCII {
			fmt.Fprintf(bw, "%g %g %g", p.X, p.Y, p.Z)
			if c.HasNormals() {
				n := c.Normals[i]
				fmt.Fprintf(bw, " %g %g %g", n.X, n.Y, n.Z)
			}
			if c.HasColors() {
				col := c.Colors[i]
				fmt.Fprintf(bw, " %d %d %d", col.R, col.G, col.B)
			}
			bw.WriteByte('\n')
			continue
		}

		vals := []float64{p.X, p.Y, p.Z}
		if c.HasNormals() {
			n := c.Normals[i]
			vals = append(vals, n.X, n.Y, n.Z)
		}
		if err := binary.Write(bw, binary.LittleEndian, vals); err != nil {
			return err
		}
		if c.HasColors() {
			col := c.Colors[i]
			if _, err := bw.Write([]byte{col.R, col.G, col.B}); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
