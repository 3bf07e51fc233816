// Package converter turns a reference design file into the comparable
// surface the pipeline registers scans against. Mesh files are sampled
// directly; CAD formats such as STEP go through an external tessellator
// first.
package converter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/scaninspect/internal/fsutil"
	"github.com/banshee-data/scaninspect/internal/geom"
	"github.com/banshee-data/scaninspect/internal/pointio"
)

var (
	// ErrUnsupportedReference is returned for extensions no converter handles.
	ErrUnsupportedReference = errors.New("unsupported reference format")
	// ErrEmptyReference is returned when a reference yields no points.
	ErrEmptyReference = errors.New("reference has no geometry")
)

// Converter produces a reference surface from the file at path. tolerance
// is the target spacing between sampled surface points.
type Converter interface {
	Convert(ctx context.Context, path string, tolerance float64) (*geom.ReferenceSurface, error)
}

// DefaultMaxSamples caps the number of points sampled from a mesh.
const DefaultMaxSamples = 500_000

// MeshConverter loads STL, OBJ and PLY meshes (and bare point files) and
// samples triangle surfaces area-uniformly. Sampling is seeded, so the same
// file and tolerance always give the same cloud.
type MeshConverter struct {
	FS         fsutil.FileSystem
	MaxSamples int
	Seed       int64
}

// NewMeshConverter returns a converter reading from fsys.
func NewMeshConverter(fsys fsutil.FileSystem) *MeshConverter {
	return &MeshConverter{FS: fsys, MaxSamples: DefaultMaxSamples, Seed: 1}
}

func (c *MeshConverter) Convert(ctx context.Context, path string, tolerance float64) (*geom.ReferenceSurface, error) {
	if tolerance <= 0 {
		return nil, fmt.Errorf("tessellation tolerance must be positive, got %v", tolerance)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := c.FS.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open reference: %w", err)
	}
	defer f.Close()

	mesh, err := pointio.Decode(path, f)
	if err != nil {
		if errors.Is(err, pointio.ErrUnsupportedFormat) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedReference, err)
		}
		return nil, fmt.Errorf("failed to decode reference: %w", err)
	}
	return c.surfaceFrom(mesh, tolerance)
}

func (c *MeshConverter) surfaceFrom(mesh *pointio.Mesh, tolerance float64) (*geom.ReferenceSurface, error) {
	if mesh.Cloud.Empty() {
		return nil, ErrEmptyReference
	}
	if len(mesh.Triangles) == 0 {
		return geom.NewReferenceSurface(geom.PointCloud{Points: mesh.Cloud.Points}, nil, nil)
	}

	limit := c.MaxSamples
	if limit <= 0 {
		limit = DefaultMaxSamples
	}
	rng := rand.New(rand.NewSource(c.Seed))
	pts := SampleSurface(mesh.Cloud.Points, mesh.Triangles, tolerance, limit, rng)
	if len(pts) == 0 {
		return nil, fmt.Errorf("%w: all %d triangles are degenerate", ErrEmptyReference, len(mesh.Triangles))
	}
	return geom.NewReferenceSurface(geom.PointCloud{Points: pts}, mesh.Cloud.Points, mesh.Triangles)
}

// SampleSurface draws about area/spacing² points uniformly over the
// triangles, never more than maxSamples. Degenerate triangles are ignored.
func SampleSurface(verts []r3.Vector, tris [][3]int, spacing float64, maxSamples int, rng *rand.Rand) []r3.Vector {
	cum := make([]float64, len(tris))
	var total float64
	for i, t := range tris {
		a, b, c := verts[t[0]], verts[t[1]], verts[t[2]]
		total += 0.5 * b.Sub(a).Cross(c.Sub(a)).Norm()
		cum[i] = total
	}
	if total == 0 {
		return nil
	}

	n := int(math.Ceil(total / (spacing * spacing)))
	n = max(1, min(n, maxSamples))

	out := make([]r3.Vector, n)
	for i := range out {
		k := sort.SearchFloat64s(cum, rng.Float64()*total)
		if k >= len(tris) {
			k = len(tris) - 1
		}
		t := tris[k]
		a, b, c := verts[t[0]], verts[t[1]], verts[t[2]]
		r1, r2 := math.Sqrt(rng.Float64()), rng.Float64()
		out[i] = a.Mul(1 - r1).Add(b.Mul(r1 * (1 - r2))).Add(c.Mul(r1 * r2))
	}
	return out
}

// Dispatcher selects a converter by file extension.
type Dispatcher struct {
	byExt map[string]Converter
}

// MeshExtensions are read natively by MeshConverter.
var MeshExtensions = []string{".stl", ".obj", ".ply", ".xyz", ".pts", ".txt", ".asc"}

// CADExtensions need an external tessellator.
var CADExtensions = []string{".step", ".stp", ".iges", ".igs"}

// NewDispatcher routes mesh formats to mesh and CAD formats to cad. cad may
// be nil when no tessellator is configured.
func NewDispatcher(mesh, cad Converter) *Dispatcher {
	d := &Dispatcher{byExt: make(map[string]Converter)}
	for _, ext := range MeshExtensions {
		d.byExt[ext] = mesh
	}
	if cad != nil {
		for _, ext := range CADExtensions {
			d.byExt[ext] = cad
		}
	}
	return d
}

func (d *Dispatcher) Convert(ctx context.Context, path string, tolerance float64) (*geom.ReferenceSurface, error) {
	ext := strings.ToLower(filepath.Ext(path))
	c, ok := d.byExt[ext]
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedReference, ext)
	}
	return c.Convert(ctx, path, tolerance)
}
