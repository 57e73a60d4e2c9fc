// Package config defines the GI volume and renderer settings and loads them
// from TOML or YAML documents.
package config

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/achilleasa/polaris-ddgi/asset"
	"github.com/achilleasa/polaris-ddgi/gpu"
	"github.com/achilleasa/polaris-ddgi/types"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format selects the document syntax used by Write.
type Format string

const (
	TOML Format = "toml"
	YAML Format = "yaml"
)

// Config bundles all settings.
type Config struct {
	Volume   Volume   `toml:"volume" yaml:"volume"`
	Renderer Renderer `toml:"renderer" yaml:"renderer"`
}

// Volume configures the probe grid and its update passes.
type Volume struct {
	Origin       types.Vec3 `toml:"origin" yaml:"origin"`
	ProbeCounts  [3]int     `toml:"probe_counts" yaml:"probe_counts"`
	ProbeSpacing types.Vec3 `toml:"probe_spacing" yaml:"probe_spacing"`
	RaysPerProbe int        `toml:"rays_per_probe" yaml:"rays_per_probe"`

	// Interior texels per tile side; a 1-texel border is added around.
	IrradianceTexels int `toml:"irradiance_texels" yaml:"irradiance_texels"`
	DistanceTexels   int `toml:"distance_texels" yaml:"distance_texels"`

	Hysteresis              float32 `toml:"hysteresis" yaml:"hysteresis"`
	MaxRayDistance          float32 `toml:"max_ray_distance" yaml:"max_ray_distance"`
	ViewBias                float32 `toml:"view_bias" yaml:"view_bias"`
	NormalBias              float32 `toml:"normal_bias" yaml:"normal_bias"`
	BrightnessThreshold     float32 `toml:"brightness_threshold" yaml:"brightness_threshold"`
	DistancePower           float32 `toml:"distance_power" yaml:"distance_power"`
	IrradianceGammaEncoding bool    `toml:"irradiance_gamma_encoding" yaml:"irradiance_gamma_encoding"`

	// A texel change above this threshold lowers hysteresis so the volume
	// reacts faster to lighting changes. Values <= 0 disable the check.
	IrradianceThreshold float32 `toml:"irradiance_threshold" yaml:"irradiance_threshold"`

	ProbeRelocation      bool    `toml:"probe_relocation" yaml:"probe_relocation"`
	RelocationPeriod     int     `toml:"relocation_period" yaml:"relocation_period"`
	BackfaceThreshold    float32 `toml:"backface_threshold" yaml:"backface_threshold"`
	MinFrontfaceDistance float32 `toml:"min_frontface_distance" yaml:"min_frontface_distance"`
	ProbeTracking        bool    `toml:"probe_tracking" yaml:"probe_tracking"`

	MissRadiance types.Vec3 `toml:"miss_radiance" yaml:"miss_radiance"`
	SunDirection types.Vec3 `toml:"sun_direction" yaml:"sun_direction"`
	SunRadiance  types.Vec3 `toml:"sun_radiance" yaml:"sun_radiance"`

	// Seed for the per-frame ray rotation.
	Seed int64 `toml:"seed" yaml:"seed"`
}

// Renderer configures the device and the frame loop.
type Renderer struct {
	FrameW          int      `toml:"frame_width" yaml:"frame_width"`
	FrameH          int      `toml:"frame_height" yaml:"frame_height"`
	BufferCount     int      `toml:"buffer_count" yaml:"buffer_count"`
	FenceTimeout    Duration `toml:"fence_timeout" yaml:"fence_timeout"`
	DebugValidation bool     `toml:"debug_validation" yaml:"debug_validation"`
	Workers         int      `toml:"workers" yaml:"workers"`
	MemoryBudget    int64    `toml:"memory_budget" yaml:"memory_budget"`
	LogLevel        string   `toml:"log_level" yaml:"log_level"`
}

// ProbeCount returns the total number of probes in the grid.
func (v *Volume) ProbeCount() int {
	return v.ProbeCounts[0] * v.ProbeCounts[1] * v.ProbeCounts[2]
}

// Default returns a configuration for a small volume around the origin.
func Default() *Config {
	return &Config{
		Volume: Volume{
			ProbeCounts:             [3]int{4, 4, 4},
			ProbeSpacing:            types.XYZ(1, 1, 1),
			RaysPerProbe:            64,
			IrradianceTexels:        6,
			DistanceTexels:          14,
			Hysteresis:              0.97,
			MaxRayDistance:          1000,
			ViewBias:                0.1,
			NormalBias:              0.02,
			BrightnessThreshold:     10,
			DistancePower:           50,
			IrradianceGammaEncoding: true,
			IrradianceThreshold:     0.25,
			RelocationPeriod:        1,
			BackfaceThreshold:       0.25,
			MinFrontfaceDistance:    0.1,
			MissRadiance:            types.XYZ(0.3, 0.4, 0.6),
			SunDirection:            types.XYZ(-0.3, -1, -0.2),
			SunRadiance:             types.XYZ(3, 3, 3),
			Seed:                    1,
		},
		Renderer: Renderer{
			FrameW:       640,
			FrameH:       480,
			BufferCount:  2,
			MemoryBudget: 512 << 20,
			LogLevel:     "info",
		},
	}
}

// Validate checks that the configuration can be used to build a volume.
func (c *Config) Validate() error {
	v := &c.Volume
	for axis, n := range v.ProbeCounts {
		if n < 1 {
			return invalid("probe_counts[%d] must be at least 1; got %d", axis, n)
		}
		if v.ProbeSpacing[axis] <= 0 {
			return invalid("probe_spacing[%d] must be positive; got %f", axis, v.ProbeSpacing[axis])
		}
	}
	switch {
	case v.RaysPerProbe < 1:
		return invalid("rays_per_probe must be at least 1; got %d", v.RaysPerProbe)
	case v.IrradianceTexels < 1:
		return invalid("irradiance_texels must be at least 1; got %d", v.IrradianceTexels)
	case v.DistanceTexels < 1:
		return invalid("distance_texels must be at least 1; got %d", v.DistanceTexels)
	case v.Hysteresis < 0 || v.Hysteresis >= 1:
		return invalid("hysteresis must be in [0, 1); got %f", v.Hysteresis)
	case v.MaxRayDistance <= 0:
		return invalid("max_ray_distance must be positive; got %f", v.MaxRayDistance)
	case v.DistancePower <= 0:
		return invalid("distance_power must be positive; got %f", v.DistancePower)
	case v.BrightnessThreshold <= 0:
		return invalid("brightness_threshold must be positive; got %f", v.BrightnessThreshold)
	case v.ProbeRelocation && v.RelocationPeriod < 1:
		return invalid("relocation_period must be at least 1; got %d", v.RelocationPeriod)
	case v.BackfaceThreshold < 0 || v.BackfaceThreshold > 1:
		return invalid("backface_threshold must be in [0, 1]; got %f", v.BackfaceThreshold)
	case v.SunRadiance.MaxAbs() > 0 && v.SunDirection.Len() == 0:
		return invalid("sun_direction must not be zero")
	}

	r := &c.Renderer
	switch {
	case r.BufferCount < 1:
		return invalid("buffer_count must be at least 1; got %d", r.BufferCount)
	case r.FrameW < 1 || r.FrameH < 1:
		return invalid("frame dimensions must be positive; got %dx%d", r.FrameW, r.FrameH)
	case r.FenceTimeout.Duration < 0:
		return invalid("fence_timeout must not be negative; got %s", r.FenceTimeout)
	case r.Workers < 0:
		return invalid("workers must not be negative; got %d", r.Workers)
	case r.MemoryBudget < 0:
		return invalid("memory_budget must not be negative; got %d", r.MemoryBudget)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return gpu.NewConfigurationError("config", format, args...)
}

// Load reads a TOML (.toml) or YAML (.yaml, .yml) document from a file or
// http(s) URL. Missing keys keep their default values; unknown keys are
// rejected.
func Load(pathToConfig string) (*Config, error) {
	res, err := asset.NewResource(pathToConfig, nil)
	if err != nil {
		return nil, err
	}
	var format Format
	switch res.Ext() {
	case ".toml":
		format = TOML
	case ".yaml", ".yml":
		format = YAML
	default:
		res.Close()
		return nil, fmt.Errorf("config: unsupported config format %q", res.Ext())
	}
	data, err := res.ReadAll()
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(data), format)
}

// Decode parses a document in the given format on top of the defaults and
// validates the result.
func Decode(r io.Reader, format Format) (*Config, error) {
	cfg := Default()
	switch format {
	case TOML:
		if err := toml.NewDecoder(r).DisallowUnknownFields().Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	case YAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return nil, fmt.Errorf("config: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: unsupported config format %q", format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write serializes cfg in the requested format.
func Write(w io.Writer, cfg *Config, format Format) error {
	switch format {
	case TOML:
		return toml.NewEncoder(w).Encode(cfg)
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("config: unsupported config format %q", format)
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(text))
}
