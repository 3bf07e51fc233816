package pointio

import (
	"bufio"
	"fmt"
	"io"

	"github.com/banshee-data/scaninspect/internal/geom"
)

// WriteASC writes a CloudCompare-compatible ASC export: one
// "X Y Z R G B Deviation" row per point. deviations may be nil, in which
// case the column is omitted.
func WriteASC(w io.Writer, c geom.PointCloud, deviations []float64) error {
	if c.Empty() {
		return fmt.Errorf("no points to export")
	}
	if deviations != nil && len(deviations) != c.Len() {
		return fmt.Errorf("%d deviations for %d points", len(deviations), c.Len())
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# Exported points\n")
	switch {
	case deviations != nil:
		fmt.Fprintf(bw, "# Format: X Y Z R G B Deviation\n")
	default:
		fmt.Fprintf(bw, "# Format: X Y Z R G B\n")
	}

	for i, p := range c.Points {
		var col geom.Color
		if c.HasColors() {
			col = c.Colors[i]
		}
		fmt.Fprintf(bw, "%.6f %.6f %.6f %d %d %d", p.X, p.Y, p.Z, col.R, col.G, col.B)
		if deviations != nil {
			fmt.Fprintf(bw, " %.6f", deviations[i])
		}
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}
