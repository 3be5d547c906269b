// Configuration for the axiplot host.
//
// Settings live in a YAML file under the user config directory and are
// grouped by concern: device (serial link and model), motion (planner
// limits), pen (servo positions and delays) and page (paper geometry).
// Unset numeric fields are backfilled from the device model's profile.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"axiplot/pkg/errors"
	"axiplot/pkg/log"
)

// DefaultModel is the device profile used when none is configured.
const DefaultModel = "minikit2"

// Defaults shared by all profiles.
const (
	DefaultBaud              = 9600
	DefaultReadTimeoutMS     = 5000
	DefaultMinCmdIntervalMS  = 5.0
	DefaultFIFOLimit         = 3
	DefaultCorneringDistance = 0.5
	DefaultMinSegment        = 0.1
)

// Profile is the factory tuning for one plotter model.
type Profile struct {
	Model       string
	PaperWidth  float64
	PaperHeight float64
	Speed       float64
	Accel       float64
	StepsPerMM  float64
}

var profiles = []Profile{
	{"minikit2", 160.0, 101.0, 254.0, 200.0, 80.0},
	{"axidraw_v3", 300.0, 218.0, 381.0, 250.0, 80.0},
}

// ProfileForModel returns the profile for a model name, falling back to the
// default model when unknown.
func ProfileForModel(model string) Profile {
	for _, p := range profiles {
		if strings.EqualFold(p.Model, model) {
			return p
		}
	}
	for _, p := range profiles {
		if p.Model == DefaultModel {
			return p
		}
	}
	return profiles[0]
}

// Device holds the serial link and model settings.
type Device struct {
	Model             string  `yaml:"model"`
	Port              string  `yaml:"port"`
	Baud              int     `yaml:"baud"`
	ReadTimeoutMS     int     `yaml:"read_timeout_ms"`
	MinCmdIntervalMS  float64 `yaml:"min_command_interval_ms"`
	FIFOLimit         int     `yaml:"fifo_limit"`
	StepsPerMM        float64 `yaml:"steps_per_mm"`
}

// ReadTimeout returns the read timeout as a duration.
func (d Device) ReadTimeout() time.Duration {
	return time.Duration(d.ReadTimeoutMS) * time.Millisecond
}

// Motion holds the planner limits.
type Motion struct {
	Speed             float64 `yaml:"speed_mm_s"`
	Accel             float64 `yaml:"accel_mm_s2"`
	CorneringDistance float64 `yaml:"cornering_distance_mm"`
	MinSegment        float64 `yaml:"min_segment_mm"`
}

// Pen holds the servo positions (percent of travel), speeds (percent) and
// settle delays.
type Pen struct {
	UpPosition    int `yaml:"up_position"`
	DownPosition  int `yaml:"down_position"`
	UpSpeed       int `yaml:"up_speed"`
	DownSpeed     int `yaml:"down_speed"`
	UpDelayMS     int `yaml:"up_delay_ms"`
	DownDelayMS   int `yaml:"down_delay_ms"`
	ServoTimeoutS int `yaml:"servo_timeout_s"`
}

// Page holds the paper geometry.
type Page struct {
	PaperWidth   float64 `yaml:"paper_width_mm"`
	PaperHeight  float64 `yaml:"paper_height_mm"`
	MarginTop    float64 `yaml:"margin_top_mm"`
	MarginRight  float64 `yaml:"margin_right_mm"`
	MarginBottom float64 `yaml:"margin_bottom_mm"`
	MarginLeft   float64 `yaml:"margin_left_mm"`
	Orientation  string  `yaml:"orientation"`
}

// Config is the full host configuration.
type Config struct {
	Device Device `yaml:"device"`
	Motion Motion `yaml:"motion"`
	Pen    Pen    `yaml:"pen"`
	Page   Page   `yaml:"page"`
}

var logger = log.GetLogger("config")

// base returns the defaults that do not depend on the device profile.
// Profile-derived numerics stay zero until Backfill resolves the model.
func base() *Config {
	return &Config{
		Device: Device{
			Baud:             DefaultBaud,
			ReadTimeoutMS:    DefaultReadTimeoutMS,
			MinCmdIntervalMS: DefaultMinCmdIntervalMS,
			FIFOLimit:        DefaultFIFOLimit,
		},
		Motion: Motion{
			CorneringDistance: DefaultCorneringDistance,
			MinSegment:        DefaultMinSegment,
		},
		Pen: Pen{
			UpPosition:    60,
			DownPosition:  40,
			UpSpeed:       150,
			DownSpeed:     150,
			ServoTimeoutS: 60,
		},
		Page: Page{
			MarginTop:    10,
			MarginRight:  10,
			MarginBottom: 10,
			MarginLeft:   10,
			Orientation:  "portrait",
		},
	}
}

// Default returns the factory configuration for a device model.
func Default(model string) *Config {
	if model == "" {
		model = DefaultModel
	}
	cfg := base()
	cfg.Device.Model = model
	cfg.Backfill()
	return cfg
}

// Backfill fills unset numeric fields from the device model's profile.
func (c *Config) Backfill() {
	p := ProfileForModel(c.Device.Model)
	if c.Device.Model == "" {
		c.Device.Model = p.Model
	}
	if !(c.Device.StepsPerMM > 0) {
		c.Device.StepsPerMM = p.StepsPerMM
	}
	if !(c.Motion.Speed > 0) {
		c.Motion.Speed = p.Speed
	}
	if !(c.Motion.Accel > 0) {
		c.Motion.Accel = p.Accel
	}
	if !(c.Page.PaperWidth > 0) {
		c.Page.PaperWidth = p.PaperWidth
	}
	if !(c.Page.PaperHeight > 0) {
		c.Page.PaperHeight = p.PaperHeight
	}
}

// Validate checks value ranges and cross-field consistency.
func (c *Config) Validate() error {
	if c.Device.Baud <= 0 {
		return errors.New(errors.ErrConfigValidation, "baud must be positive, got %d", c.Device.Baud)
	}
	if c.Device.ReadTimeoutMS <= 0 {
		return errors.New(errors.ErrConfigValidation, "read timeout must be positive, got %d ms", c.Device.ReadTimeoutMS)
	}
	if c.Device.MinCmdIntervalMS < 0 {
		return errors.New(errors.ErrConfigValidation, "min command interval may not be negative")
	}
	if c.Device.FIFOLimit < 0 {
		return errors.New(errors.ErrConfigValidation, "fifo limit may not be negative")
	}
	if !(c.Device.StepsPerMM > 0) {
		return errors.New(errors.ErrConfigValidation, "steps per mm must be positive, got %g", c.Device.StepsPerMM)
	}
	if !(c.Motion.Speed > 0) || !(c.Motion.Accel > 0) {
		return errors.New(errors.ErrConfigValidation,
			"motion speed and accel must be positive, got %g and %g", c.Motion.Speed, c.Motion.Accel)
	}
	if c.Motion.CorneringDistance < 0 || c.Motion.MinSegment < 0 {
		return errors.New(errors.ErrConfigValidation,
			"cornering distance and min segment may not be negative")
	}
	for name, v := range map[string]int{
		"pen up position":   c.Pen.UpPosition,
		"pen down position": c.Pen.DownPosition,
	} {
		if v < 0 || v > 100 {
			return errors.New(errors.ErrConfigValidation, "%s must be 0..100, got %d", name, v)
		}
	}
	if c.Pen.UpSpeed < 0 || c.Pen.DownSpeed < 0 {
		return errors.New(errors.ErrConfigValidation, "pen speeds may not be negative")
	}
	if c.Pen.UpDelayMS < 0 || c.Pen.UpDelayMS > 65535 ||
		c.Pen.DownDelayMS < 0 || c.Pen.DownDelayMS > 65535 {
		return errors.New(errors.ErrConfigValidation, "pen delays must be 0..65535 ms")
	}
	if !(c.Page.PaperWidth > 0) || !(c.Page.PaperHeight > 0) {
		return errors.New(errors.ErrConfigValidation, "paper size must be positive")
	}
	switch c.Page.Orientation {
	case "portrait", "landscape":
	default:
		return errors.New(errors.ErrConfigValidation,
			"orientation must be portrait or landscape, got %q", c.Page.Orientation)
	}
	return nil
}

// DefaultPath returns the user config file location.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrConfigIO, "no user config directory")
	}
	return filepath.Join(base, "axiplot", "config.yaml"), nil
}

// Load reads and validates a config file. A missing file yields the factory
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("no config at %s, using defaults", path)
			cfg := Default("")
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, errors.Wrap(err, errors.ErrConfigIO, "read %s failed", path)
	}

	cfg := base()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigIO, "parse %s failed", path)
	}
	cfg.Backfill()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.WithField("path", path).Debug("config loaded")
	return cfg, nil
}

// Save writes the config as YAML, creating parent directories.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigIO, "encode config failed")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrConfigIO, "create %s failed", filepath.Dir(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrConfigIO, "write %s failed", path)
	}
	logger.WithField("path", path).Debug("config saved")
	return nil
}

// applyEnv overlays AXIPLOT_* environment variables on the config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AXIPLOT_PORT"); v != "" {
		cfg.Device.Port = v
	}
	if v := os.Getenv("AXIPLOT_MODEL"); v != "" {
		cfg.Device.Model = v
		cfg.Backfill()
	}
	if v := os.Getenv("AXIPLOT_BAUD"); v != "" {
		if baud, err := strconv.Atoi(v); err == nil && baud > 0 {
			cfg.Device.Baud = baud
		} else {
			logger.Warn("ignoring AXIPLOT_BAUD=%q", v)
		}
	}
	if v := os.Getenv("AXIPLOT_SPEED"); v != "" {
		if speed, err := strconv.ParseFloat(v, 64); err == nil && speed > 0 {
			cfg.Motion.Speed = speed
		} else {
			logger.Warn("ignoring AXIPLOT_SPEED=%q", v)
		}
	}
}
