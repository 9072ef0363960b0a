// Package config loads the delayscan configuration: built-in defaults,
// overlaid by a YAML file, overlaid by DELAYSCAN_ environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"go.uber.org/multierr"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/delayscan/experiment"
	"github.com/nasa-jpl/delayscan/newport"
	"github.com/nasa-jpl/delayscan/scan"
	"github.com/nasa-jpl/delayscan/spectrometer"
	"github.com/nasa-jpl/delayscan/util"
)

const (
	// FileName is the default configuration file
	FileName = "delayscan.yml"

	// EnvPrefix marks environment variables read as configuration.
	// A double underscore separates levels: DELAYSCAN_STAGE__ADDR is stage.addr.
	EnvPrefix = "DELAYSCAN_"
)

// Log configures the logger
type Log struct {
	// Level is debug, info, warn or error
	Level string `koanf:"level" yaml:"level"`

	// JSON selects structured JSON output over the console format
	JSON bool `koanf:"json" yaml:"json"`
}

// Scan holds the procedure settings
type Scan struct {
	Precision int `koanf:"precision" yaml:"precision"`

	// PathFactor is one-way or round-trip and must be set
	PathFactor string `koanf:"pathFactor" yaml:"pathFactor"`

	// PeakPolicy is extremal-magnitude or maximum-value and must be set
	PeakPolicy string `koanf:"peakPolicy" yaml:"peakPolicy"`

	Settle        string `koanf:"settle" yaml:"settle"`
	ExportPartial bool   `koanf:"exportPartial" yaml:"exportPartial"`

	AverageFor   string `koanf:"averageFor" yaml:"averageFor"`
	AverageEvery string `koanf:"averageEvery" yaml:"averageEvery"`

	Limits util.Limiter `koanf:"limits" yaml:"limits"`

	ScanVelocity  float64 `koanf:"scanVelocity" yaml:"scanVelocity"`
	ScanAccel     float64 `koanf:"scanAccel" yaml:"scanAccel"`
	SweepVelocity float64 `koanf:"sweepVelocity" yaml:"sweepVelocity"`
	SweepAccel    float64 `koanf:"sweepAccel" yaml:"sweepAccel"`
	SweepPause    string  `koanf:"sweepPause" yaml:"sweepPause"`

	// SweepStep is the quick sweep step in mm; 0 asks each time
	SweepStep float64 `koanf:"sweepStep" yaml:"sweepStep"`
}

// Stage configures the DL225 connection
type Stage struct {
	Addr   string `koanf:"addr" yaml:"addr"`
	Serial bool   `koanf:"serial" yaml:"serial"`
	Baud   int    `koanf:"baud" yaml:"baud"`
	Axis   string `koanf:"axis" yaml:"axis"`
}

// LockIn configures the UHFLI bridge connection
type LockIn struct {
	Addr      string `koanf:"addr" yaml:"addr"`
	Device    string `koanf:"device" yaml:"device"`
	Interface string `koanf:"interface" yaml:"interface"`
}

// Spectrometer configures the StellarNet unit
type Spectrometer struct {
	// Calibration holds the four wavelength coefficients c1..c4
	Calibration []float64 `koanf:"calibration" yaml:"calibration"`
	Pixels      int       `koanf:"pixels" yaml:"pixels"`

	// FITS also archives spectral scans as FITS
	FITS bool `koanf:"fits" yaml:"fits"`

	Params spectrometer.Params `koanf:"params" yaml:"params"`
}

// Config is the whole configuration
type Config struct {
	// Addr is where serve listens
	Addr string `koanf:"addr" yaml:"addr"`

	// OutputDir receives the exported workbooks
	OutputDir string `koanf:"outputDir" yaml:"outputDir"`

	// Plot also writes a PNG beside each lock-in workbook
	Plot bool `koanf:"plot" yaml:"plot"`

	// Catalog is the sqlite file runs are logged to; empty disables it
	Catalog string `koanf:"catalog" yaml:"catalog"`

	Log          Log          `koanf:"log" yaml:"log"`
	Scan         Scan         `koanf:"scan" yaml:"scan"`
	Stage        Stage        `koanf:"stage" yaml:"stage"`
	LockIn       LockIn       `koanf:"lockin" yaml:"lockin"`
	Spectrometer Spectrometer `koanf:"spectrometer" yaml:"spectrometer"`
}

// Default returns the built-in configuration.  Path factor and peak policy
// are left empty and must be set before scanning.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	d := experiment.DefaultSettings()
	return Config{
		Addr:      ":8000",
		OutputDir: filepath.Join(home, "Desktop"),
		Catalog:   filepath.Join(home, ".delayscan", "runs.db"),
		Log:       Log{Level: "info"},
		Scan: Scan{
			Precision:     d.Precision,
			Settle:        d.Settle.String(),
			AverageFor:    d.AverageFor.String(),
			AverageEvery:  d.AverageEvery.String(),
			Limits:        d.Limits,
			ScanVelocity:  d.ScanVelocity,
			ScanAccel:     d.ScanAccel,
			SweepVelocity: d.SweepVelocity,
			SweepAccel:    d.SweepAccel,
			SweepPause:    d.SweepPause.String(),
		},
		Stage: Stage{
			Addr:   "/dev/ttyUSB0",
			Serial: true,
			Baud:   newport.DefaultBaud,
			Axis:   newport.DefaultAxis,
		},
		LockIn: LockIn{
			Addr:      "127.0.0.1:8004",
			Device:    "dev2318",
			Interface: "1GbE",
		},
		Spectrometer: Spectrometer{
			Calibration: []float64{0, 0, 0.5, 300},
			Pixels:      spectrometer.DefaultPixels,
			Params:      d.Spectrometer,
		},
	}
}

// Load layers the defaults, the YAML file at path (a missing file is fine)
// and the environment into k, and unmarshals the result
func Load(k *koanf.Koanf, path string) (Config, error) {
	var c Config
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return c, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !os.IsNotExist(unwrapAll(err)) {
			return c, fmt.Errorf("load %s: %w", path, err)
		}
	}
	// environment variables are upper case; map them back onto the camelCase keys
	known := map[string]string{}
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		key = strings.ReplaceAll(key, "__", ".")
		if mapped, ok := known[key]; ok {
			return mapped
		}
		return key
	}), nil)
	if err != nil {
		return c, fmt.Errorf("load environment: %w", err)
	}
	if err := k.Unmarshal("", &c); err != nil {
		return c, fmt.Errorf("decode configuration: %w", err)
	}
	return c, nil
}

func unwrapAll(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

func duration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", scan.ErrInvalidScanParameters, name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative, got %v", scan.ErrInvalidScanParameters, name, d)
	}
	return d, nil
}

// Settings converts the scan section to runner settings.  It fails until
// both the path factor and the peak policy are pinned.
func (c Config) Settings() (experiment.Settings, error) {
	s := experiment.Settings{
		Precision:     c.Scan.Precision,
		ExportPartial: c.Scan.ExportPartial,
		Limits:        c.Scan.Limits,
		ScanVelocity:  c.Scan.ScanVelocity,
		ScanAccel:     c.Scan.ScanAccel,
		SweepVelocity: c.Scan.SweepVelocity,
		SweepAccel:    c.Scan.SweepAccel,
		Spectrometer:  c.Spectrometer.Params,
	}
	var errs, err error
	if s.Factor, err = scan.ParsePathFactor(c.Scan.PathFactor); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("scan.pathFactor: %w", err))
	}
	if s.Policy, err = scan.ParsePeakPolicy(c.Scan.PeakPolicy); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("scan.peakPolicy: %w", err))
	}
	for _, d := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"scan.settle", c.Scan.Settle, &s.Settle},
		{"scan.averageFor", c.Scan.AverageFor, &s.AverageFor},
		{"scan.averageEvery", c.Scan.AverageEvery, &s.AverageEvery},
		{"scan.sweepPause", c.Scan.SweepPause, &s.SweepPause},
	} {
		if *d.dst, err = duration(d.name, d.src); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return s, errs
	}
	return s, s.Validate()
}

// Validate checks the whole configuration
func (c Config) Validate() error {
	_, err := c.Settings()
	if c.Scan.Precision < 0 || c.Scan.Precision > 6 {
		err = multierr.Append(err, fmt.Errorf("%w: scan.precision must be within 0..6, got %d", scan.ErrInvalidScanParameters, c.Scan.Precision))
	}
	if c.Scan.Limits.Min > c.Scan.Limits.Max {
		err = multierr.Append(err, fmt.Errorf("%w: scan.limits min %v is above max %v", scan.ErrInvalidScanParameters, c.Scan.Limits.Min, c.Scan.Limits.Max))
	}
	if len(c.Spectrometer.Calibration) != 4 {
		err = multierr.Append(err, fmt.Errorf("spectrometer.calibration needs 4 coefficients, got %d", len(c.Spectrometer.Calibration)))
	}
	if perr := c.Spectrometer.Params.Validate(); perr != nil {
		err = multierr.Append(err, fmt.Errorf("spectrometer.params: %w", perr))
	}
	return err
}

// Calibration returns the spectrometer calibration coefficients
func (c Config) Calibration() spectrometer.Calibration {
	var cal spectrometer.Calibration
	copy(cal[:], c.Spectrometer.Calibration)
	return cal
}

// Render writes c as YAML
func Render(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}
