package main

import (
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nasa-jpl/delayscan/catalog"
	"github.com/nasa-jpl/delayscan/experiment"
	"github.com/nasa-jpl/delayscan/export"
	"github.com/nasa-jpl/delayscan/generichttp/motion"
	"github.com/nasa-jpl/delayscan/lockin"
	"github.com/nasa-jpl/delayscan/metrics"
	"github.com/nasa-jpl/delayscan/newport"
	"github.com/nasa-jpl/delayscan/prompt"
	"github.com/nasa-jpl/delayscan/spectrometer"
)

// stage is what the commands need of a delay stage: scanning and manual motion
type stage interface {
	experiment.Stage
	motion.Mover
}

type lockIn interface {
	experiment.BoxcarReader
	GetBaseline(int) (bool, error)
}

// bench holds the devices a command opened.  With --mock the lock-in and
// spectrometer see a pump-probe overlap at the middle of the stage travel.
type bench struct {
	stage stage
	lock  lockIn
	spec  experiment.SpectrumCapturer

	mockPosition func() float64
}

type need struct {
	stage, lockin, spectrometer bool
}

func (a *app) openBench(n need) (b *bench, err error) {
	b = &bench{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, b.close())
			b = nil
		}
	}()
	c := a.conf
	if n.stage {
		if a.mock {
			m := newport.NewMockStage()
			m.Limits = c.Scan.Limits
			b.stage, b.mockPosition = m, m.Position
		} else {
			d := newport.NewDL225(c.Stage.Addr, c.Stage.Serial, c.Stage.Baud, a.log)
			d.Axis = c.Stage.Axis
			b.stage = d
			if err = d.Initialize(c.Scan.ScanAccel, c.Scan.ScanVelocity); err != nil {
				return b, err
			}
			a.log.Info("stage ready", zap.String("stage", d.String()))
		}
	}
	center := (c.Scan.Limits.Min + c.Scan.Limits.Max) / 2
	position := b.mockPosition
	if position == nil {
		position = func() float64 { return center }
	}
	if n.lockin {
		if a.mock {
			pp := lockin.PumpProbe{Position: position, CenterMM: center, WidthMM: 0.05, AmpMV: 5, RefMV: 250}
			b.lock = lockin.NewMock(pp.Read)
		} else {
			u := lockin.NewUHFLI(c.LockIn.Addr, c.LockIn.Device, c.LockIn.Interface, a.log)
			b.lock = u
			if err = u.Connect(); err != nil {
				return b, err
			}
			a.log.Info("lock-in connected", zap.String("device", c.LockIn.Device))
		}
	}
	if n.spectrometer {
		if a.mock {
			line := spectrometer.ShiftingLine{Position: position, CenterMM: center, WidthMM: 0.05,
				LineNM: 520, LineFWHM: 4, Counts: 30000, Floor: 800}
			b.spec = spectrometer.NewMock(c.Calibration(), c.Spectrometer.Pixels, line.Spectrum)
		} else {
			var s *spectrometer.StellarNet
			s, err = spectrometer.Open(c.Calibration(), c.Spectrometer.Pixels, a.log)
			if err != nil {
				return b, err
			}
			b.spec = s
		}
	}
	return b, nil
}

// close releases whatever was opened; runners close their own devices
func (b *bench) close() error {
	var err error
	if b.stage != nil {
		err = multierr.Append(err, b.stage.Close())
	}
	if b.lock != nil {
		err = multierr.Append(err, b.lock.Close())
	}
	if b.spec != nil {
		err = multierr.Append(err, b.spec.Close())
	}
	return err
}

func newMetrics() *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return metrics.New(reg)
}

// scanSettings checks the whole configuration, calibration included, and
// returns the runner settings.  Scan commands call it before opening devices.
func (a *app) scanSettings() (experiment.Settings, error) {
	if err := a.conf.Validate(); err != nil {
		return experiment.Settings{}, err
	}
	return a.conf.Settings()
}

// runner builds a runner on b, with the console, output directory and run
// catalog from the configuration.  The returned cleanup closes the catalog.
func (a *app) runner(b *bench, settings experiment.Settings) (*experiment.Runner, func(), error) {
	console := prompt.New(os.Stdin, os.Stdout)
	r := &experiment.Runner{
		Prompt:   console,
		Sink:     export.Dir{Path: a.conf.OutputDir, Plot: a.conf.Plot, FITS: a.conf.Spectrometer.FITS, Log: a.log},
		Settings: settings,
		Log:      a.log,
		Metrics:  newMetrics(),
	}
	if b.stage != nil {
		r.Stage = b.stage
	}
	if b.lock != nil {
		r.LockIn = b.lock
	}
	if b.spec != nil {
		r.Spectrometer = b.spec
	}
	cleanup := func() {}
	store, err := a.openCatalog()
	if err != nil {
		a.log.Warn("run catalog unavailable", zap.Error(err))
	} else if store != nil {
		r.Catalog = store
		cleanup = func() { store.Close() }
	}
	return r, cleanup, nil
}

func (a *app) openCatalog() (*catalog.Store, error) {
	if a.conf.Catalog == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(a.conf.Catalog), 0o755); err != nil {
		return nil, err
	}
	return catalog.Open(a.conf.Catalog)
}
