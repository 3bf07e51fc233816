package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/banshee-data/scaninspect/internal/geom"
)

// CommandConverter runs an external tessellator that writes a mesh next to
// the input, then samples that mesh. Args is the command line with the
// placeholders {input}, {output} and {tolerance}; for example
//
//	gmsh {input} -2 -clmax {tolerance} -format stl -o {output}
type CommandConverter struct {
	Args []string
	// OutputExt is the extension of the mesh the command writes, ".stl"
	// by default.
	OutputExt string
	Mesh      *MeshConverter
}

// ParseCommand splits a template on whitespace.
func ParseCommand(template string) []string {
	return strings.Fields(template)
}

func (c *CommandConverter) Convert(ctx context.Context, path string, tolerance float64) (*geom.ReferenceSurface, error) {
	if len(c.Args) == 0 {
		return nil, errors.New("no tessellation command configured")
	}
	if tolerance <= 0 {
		return nil, fmt.Errorf("tessellation tolerance must be positive, got %v", tolerance)
	}
	ext := c.OutputExt
	if ext == "" {
		ext = ".stl"
	}
	output := path + ".tess" + ext

	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		a = strings.ReplaceAll(a, "{input}", path)
		a = strings.ReplaceAll(a, "{output}", output)
		a = strings.ReplaceAll(a, "{tolerance}", strconv.FormatFloat(tolerance, 'g', -1, 64))
		args[i] = a
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return nil, fmt.Errorf("tessellator %s failed: %w: %s", args[0], err, msg)
	}
	defer c.Mesh.FS.Remove(output)

	return c.Mesh.Convert(ctx, output, tolerance)
}
