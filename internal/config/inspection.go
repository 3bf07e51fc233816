// Package config loads the inspection tuning file and the service runtime
// settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical inspection defaults file.
const DefaultConfigPath = "config/inspection.defaults.json"

// maxFileSize caps config files at 1 MiB.
const maxFileSize = 1 << 20

// InspectionConfig holds the pipeline parameters. Every field is optional;
// the Get* methods fall back to the built-in defaults, so partial files are
// safe.
type InspectionConfig struct {
	// Preprocessing
	PlaneDistanceThreshold *float64 `json:"plane_distance_threshold,omitempty" yaml:"plane_distance_threshold,omitempty"`
	PlaneIterations        *int     `json:"plane_iterations,omitempty" yaml:"plane_iterations,omitempty"`
	OutlierNbNeighbors     *int     `json:"outlier_nb_neighbors,omitempty" yaml:"outlier_nb_neighbors,omitempty"`
	OutlierStdRatio        *float64 `json:"outlier_std_ratio,omitempty" yaml:"outlier_std_ratio,omitempty"`
	DownsampleVoxel        *float64 `json:"downsample_voxel,omitempty" yaml:"downsample_voxel,omitempty"` // 0 disables
	IsolateLargestCluster  *bool    `json:"isolate_largest_cluster,omitempty" yaml:"isolate_largest_cluster,omitempty"`
	ClusterEps             *float64 `json:"cluster_eps,omitempty" yaml:"cluster_eps,omitempty"`
	ClusterMinPoints       *int     `json:"cluster_min_points,omitempty" yaml:"cluster_min_points,omitempty"`

	// Registration
	VoxelSizeFeatures   *float64 `json:"voxel_size_features,omitempty" yaml:"voxel_size_features,omitempty"`
	RANSACMaxIterations *int     `json:"ransac_max_iterations,omitempty" yaml:"ransac_max_iterations,omitempty"`
	RANSACConfidence    *float64 `json:"ransac_confidence,omitempty" yaml:"ransac_confidence,omitempty"`
	ICPThreshold        *float64 `json:"icp_threshold,omitempty" yaml:"icp_threshold,omitempty"`
	ICPMaxIterations    *int     `json:"icp_max_iterations,omitempty" yaml:"icp_max_iterations,omitempty"`

	// Analysis and output
	AnalysisTolerance     *float64 `json:"analysis_tolerance,omitempty" yaml:"analysis_tolerance,omitempty"`
	TessellationTolerance *float64 `json:"tessellation_tolerance,omitempty" yaml:"tessellation_tolerance,omitempty"`
	DistanceMode          *string  `json:"distance_mode,omitempty" yaml:"distance_mode,omitempty"` // "point" or "surface"
	WriteReports          *bool    `json:"write_reports,omitempty" yaml:"write_reports,omitempty"`
	RandomSeed            *int64   `json:"random_seed,omitempty" yaml:"random_seed,omitempty"` // 0 seeds from the clock
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyConfig returns a config with every field unset.
func EmptyConfig() *InspectionConfig {
	return &InspectionConfig{}
}

// DefaultConfig returns a config with every field set to its default.
func DefaultConfig() *InspectionConfig {
	return &InspectionConfig{
		PlaneDistanceThreshold: ptrFloat64(0.02),
		PlaneIterations:        ptrInt(1000),
		OutlierNbNeighbors:     ptrInt(20),
		OutlierStdRatio:        ptrFloat64(2.0),
		DownsampleVoxel:        ptrFloat64(0),
		IsolateLargestCluster:  ptrBool(false),
		ClusterEps:             ptrFloat64(0.02),
		ClusterMinPoints:       ptrInt(10),
		VoxelSizeFeatures:      ptrFloat64(0.05),
		RANSACMaxIterations:    ptrInt(100000),
		RANSACConfidence:       ptrFloat64(0.999),
		ICPThreshold:           ptrFloat64(0.02),
		ICPMaxIterations:       ptrInt(2000),
		AnalysisTolerance:      ptrFloat64(0.01),
		TessellationTolerance:  ptrFloat64(0.005),
		DistanceMode:           ptrString("point"),
		WriteReports:           ptrBool(true),
		RandomSeed:             ptrInt64(0),
	}
}

// LoadConfig reads a JSON (.json) or YAML (.yaml, .yml) config file and
// validates it. Fields omitted from the file keep their defaults.
func LoadConfig(path string) (*InspectionConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root. It panics when the
// file cannot be found and is intended for test setup.
func MustLoadDefaultConfig() *InspectionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/inspection/storage
		"../../../../" + DefaultConfigPath,    // deeper packages
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every set field for range.
func (c *InspectionConfig) Validate() error {
	positive := []struct {
		name string
		v    *float64
	}{
		{"plane_distance_threshold", c.PlaneDistanceThreshold},
		{"outlier_std_ratio", c.OutlierStdRatio},
		{"cluster_eps", c.ClusterEps},
		{"voxel_size_features", c.VoxelSizeFeatures},
		{"icp_threshold", c.ICPThreshold},
		{"analysis_tolerance", c.AnalysisTolerance},
		{"tessellation_tolerance", c.TessellationTolerance},
	}
	for _, p := range positive {
		if p.v != nil && !(*p.v > 0) {
			return fmt.Errorf("%s must be positive, got %v", p.name, *p.v)
		}
	}

	counts := []struct {
		name string
		v    *int
	}{
		{"plane_iterations", c.PlaneIterations},
		{"outlier_nb_neighbors", c.OutlierNbNeighbors},
		{"cluster_min_points", c.ClusterMinPoints},
		{"ransac_max_iterations", c.RANSACMaxIterations},
		{"icp_max_iterations", c.ICPMaxIterations},
	}
	for _, p := range counts {
		if p.v != nil && *p.v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", p.name, *p.v)
		}
	}

	if c.DownsampleVoxel != nil && *c.DownsampleVoxel < 0 {
		return fmt.Errorf("downsample_voxel must be non-negative, got %v", *c.DownsampleVoxel)
	}
	if c.RANSACConfidence != nil && (*c.RANSACConfidence <= 0 || *c.RANSACConfidence >= 1) {
		return fmt.Errorf("ransac_confidence must be between 0 and 1 exclusive, got %v", *c.RANSACConfidence)
	}
	if c.DistanceMode != nil {
		switch *c.DistanceMode {
		case "point", "surface":
		default:
			return fmt.Errorf("distance_mode must be \"point\" or \"surface\", got %q", *c.DistanceMode)
		}
	}
	return nil
}

// GetPlaneDistanceThreshold returns the plane inlier distance or the default.
func (c *InspectionConfig) GetPlaneDistanceThreshold() float64 {
	if c.PlaneDistanceThreshold == nil {
		return 0.02
	}
	return *c.PlaneDistanceThreshold
}

// GetPlaneIterations returns the plane RANSAC budget or the default.
func (c *InspectionConfig) GetPlaneIterations() int {
	if c.PlaneIterations == nil {
		return 1000
	}
	return *c.PlaneIterations
}

func (c *InspectionConfig) GetOutlierNbNeighbors() int {
	if c.OutlierNbNeighbors == nil {
		return 20
	}
	return *c.OutlierNbNeighbors
}

func (c *InspectionConfig) GetOutlierStdRatio() float64 {
	if c.OutlierStdRatio == nil {
		return 2.0
	}
	return *c.OutlierStdRatio
}

// GetDownsampleVoxel returns the voxel size for optional downsampling; 0
// means disabled.
func (c *InspectionConfig) GetDownsampleVoxel() float64 {
	if c.DownsampleVoxel == nil {
		return 0
	}
	return *c.DownsampleVoxel
}

func (c *InspectionConfig) GetIsolateLargestCluster() bool {
	if c.IsolateLargestCluster == nil {
		return false
	}
	return *c.IsolateLargestCluster
}

func (c *InspectionConfig) GetClusterEps() float64 {
	if c.ClusterEps == nil {
		return 0.02
	}
	return *c.ClusterEps
}

func (c *InspectionConfig) GetClusterMinPoints() int {
	if c.ClusterMinPoints == nil {
		return 10
	}
	return *c.ClusterMinPoints
}

// GetVoxelSizeFeatures returns the feature scale, which sets the normal and
// descriptor radii and the global inlier distance.
func (c *InspectionConfig) GetVoxelSizeFeatures() float64 {
	if c.VoxelSizeFeatures == nil {
		return 0.05
	}
	return *c.VoxelSizeFeatures
}

func (c *InspectionConfig) GetRANSACMaxIterations() int {
	if c.RANSACMaxIterations == nil {
		return 100000
	}
	return *c.RANSACMaxIterations
}

func (c *InspectionConfig) GetRANSACConfidence() float64 {
	if c.RANSACConfidence == nil {
		return 0.999
	}
	return *c.RANSACConfidence
}

// GetICPThreshold returns the refinement correspondence cutoff.
func (c *InspectionConfig) GetICPThreshold() float64 {
	if c.ICPThreshold == nil {
		return 0.02
	}
	return *c.ICPThreshold
}

func (c *InspectionConfig) GetICPMaxIterations() int {
	if c.ICPMaxIterations == nil {
		return 2000
	}
	return *c.ICPMaxIterations
}

// GetAnalysisTolerance returns the pass distance for the within-tolerance
// percentage.
func (c *InspectionConfig) GetAnalysisTolerance() float64 {
	if c.AnalysisTolerance == nil {
		return 0.01
	}
	return *c.AnalysisTolerance
}

func (c *InspectionConfig) GetTessellationTolerance() float64 {
	if c.TessellationTolerance == nil {
		return 0.005
	}
	return *c.TessellationTolerance
}

func (c *InspectionConfig) GetDistanceMode() string {
	if c.DistanceMode == nil || *c.DistanceMode == "" {
		return "point"
	}
	return *c.DistanceMode
}

func (c *InspectionConfig) GetWriteReports() bool {
	if c.WriteReports == nil {
		return true
	}
	return *c.WriteReports
}

// GetRandomSeed returns the RNG seed; 0 means seed from the clock.
func (c *InspectionConfig) GetRandomSeed() int64 {
	if c.RandomSeed == nil {
		return 0
	}
	return *c.RandomSeed
}
