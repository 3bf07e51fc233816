package pointio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scaninspect/internal/geom"
)

func heatmapFixture(t *testing.T) geom.PointCloud {
	t.Helper()
	c, err := geom.NewPointCloud(
		[]r3.Vector{{X: 0.5, Y: -1.25, Z: 3}, {X: 1e-3, Y: 2, Z: -4.5}},
		nil,
		[]geom.Color{{R: 255, G: 0, B: 12}, {R: 0, G: 128, B: 255}},
	)
	require.NoError(t, err)
	return c
}

func TestWritePLY_ReadPLY(t *testing.T) {
	for _, format := range []PLYFormat{PLYBinary, PLYASCII} {
		want := heatmapFixture(t)

		var buf bytes.Buffer
		if err := WritePLY(&buf, want, format); err != nil {
			t.Fatalf("WritePLY(%v): %v", format, err)
		}
		if !strings.Contains(buf.String(), "element vertex 2\n") {
			t.Fatalf("header missing explicit vertex count:\n%s", buf.String())
		}

		got, err := ReadPLY(&buf)
		if err != nil {
			t.Fatalf("ReadPLY(%v): %v", format, err)
		}
		if diff := cmp.Diff(want, got.Cloud); diff != "" {
			t.Errorf("format %v mismatch (-want +got):\n%s", format, diff)
		}
	}
}

func TestReadPLY_FloatColorsFacesAndExtraElements(t *testing.T) {
	src := `ply
format ascii 1.0
comment made by hand
element vertex 4
property float x
property float y
property float z
property float red
property float green
property float blue
element face 1
property list uchar int vertex_indices
element edge 1
property int vertex1
property int vertex2
end_header
0 0 0 1 0 0
1 0 0 0 1 0
1 1 0 0 0 1
0 1 0 0.5 0.5 0.5
4 0 1 2 3
0 1
`
	m, err := ReadPLY(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, 4, m.Cloud.Len())
	assert.Equal(t, [][3]int{{0, 1, 2}, {0, 2, 3}}, m.Triangles)
	assert.Equal(t, geom.Color{R: 255}, m.Cloud.Colors[0])
	assert.Equal(t, geom.Color{R: 128, G: 128, B: 128}, m.Cloud.Colors[3])
}

func TestReadPLY_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"no magic", "hello\n"},
		{"bad format", "ply\nformat binary_middle_endian 1.0\nelement vertex 0\nproperty float x\nend_header\n"},
		{"no xyz", "ply\nformat ascii 1.0\nelement vertex 1\nproperty float x\nend_header\n1\n"},
		{"truncated", "ply\nformat ascii 1.0\nelement vertex 2\nproperty float x\nproperty float y\nproperty float z\nend_header\n1 2 3\n"},
		{"bad face", "ply\nformat ascii 1.0\nelement vertex 1\nproperty float x\nproperty float y\nproperty float z\nelement face 1\nproperty list uchar int vertex_indices\nend_header\n0 0 0\n3 0 1 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadPLY(strings.NewReader(tt.src)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestReadSTL_ASCIIAndBinary(t *testing.T) {
	ascii := `solid tri
facet normal 0 0 1
 outer loop
  vertex 0 0 0
  vertex 1 0 0
  vertex 0 1 0
 endloop
endfacet
facet normal 0 0 1
 outer loop
  vertex 1 0 0
  vertex 1 1 0
  vertex 0 1 0
 endloop
endfacet
endsolid tri
`
	m, err := ReadSTL(strings.NewReader(ascii))
	require.NoError(t, err)
	assert.Equal(t, 4, m.Cloud.Len(), "shared vertices are merged")
	assert.Len(t, m.Triangles, 2)

	var bin bytes.Buffer
	bin.Write(make([]byte, 80))
	binary.Write(&bin, binary.LittleEndian, uint32(1))
	facet := []float32{0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 2, 0}
	binary.Write(&bin, binary.LittleEndian, facet)
	binary.Write(&bin, binary.LittleEndian, uint16(0))

	m, err = ReadSTL(&bin)
	require.NoError(t, err)
	assert.Equal(t, []r3.Vector{{}, {X: 2}, {Y: 2}}, m.Cloud.Points)
	assert.Equal(t, [][3]int{{0, 1, 2}}, m.Triangles)

	_, err = ReadSTL(bytes.NewReader(make([]byte, 10)))
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestReadOBJ(t *testing.T) {
	src := "# quad\nv 0 0 0\nv 1 0 0\nv 1 1 0\nv 0 1 0\nvn 0 0 1\nf 1//1 2//1 3//1 -1//1\n"
	m, err := ReadOBJ(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, [][3]int{{0, 1, 2}, {0, 2, 3}}, m.Triangles)

	_, err = ReadOBJ(strings.NewReader("v 0 0 0\nf 1 2 3\n"))
	assert.Error(t, err)
}

func TestDecode_ByExtension(t *testing.T) {
	m, err := Decode("scan.XYZ", strings.NewReader("# header\n1 2 3\n4,5,6 extra\n"))
	require.NoError(t, err)
	assert.Equal(t, []r3.Vector{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}}, m.Cloud.Points)

	_, err = Decode("part.step", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestWriteASC(t *testing.T) {
	c := heatmapFixture(t)
	var buf bytes.Buffer
	require.NoError(t, WriteASC(&buf, c, []float64{0.25, math.Pi}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "# Format: X Y Z R G B Deviation", lines[1])
	assert.Equal(t, "0.500000 -1.250000 3.000000 255 0 12 0.250000", lines[2])

	// ASC exports read back as XYZ.
	m, err := ReadXYZ(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Cloud.Len())

	assert.Error(t, WriteASC(&buf, geom.PointCloud{}, nil))
	assert.Error(t, WriteASC(&buf, c, []float64{1}))
}
