package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/nasa-jpl/delayscan/catalog"
	"github.com/nasa-jpl/delayscan/lockin"
	"github.com/nasa-jpl/delayscan/metrics"
	"github.com/nasa-jpl/delayscan/scan"
)

// Runner carries out procedures on a set of devices.  Unused devices may be
// nil; a lock-in procedure needs no spectrometer and a spectral one no
// lock-in.  A Runner is single use: every procedure closes it on return.
type Runner struct {
	Stage        Stage
	LockIn       BoxcarReader
	Spectrometer SpectrumCapturer

	Prompt Prompter
	Sink   Sink

	// Observer, if not nil, sees every lock-in row as it is recorded
	Observer StepObserver

	// Catalog, if not nil, gets a record of every procedure
	Catalog RunRecorder

	Settings Settings
	Log      *zap.Logger
	Metrics  *metrics.Metrics

	closed bool
}

// Close releases every device the runner holds.  It is safe to call more
// than once; only the first call touches the devices.
func (r *Runner) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.Stage != nil {
		err = multierr.Append(err, r.Stage.Close())
	}
	if r.LockIn != nil {
		err = multierr.Append(err, r.LockIn.Close())
	}
	if r.Spectrometer != nil {
		err = multierr.Append(err, r.Spectrometer.Close())
	}
	return err
}

func (r *Runner) log() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{scan.ErrInvalidScanParameters}, args...)...)
}

// Validate checks the settings a procedure cannot start without
func (s Settings) Validate() error {
	if s.Factor != scan.OneWay && s.Factor != scan.RoundTrip {
		return invalid("path factor is not set; choose one-way or round-trip")
	}
	if s.Policy != scan.ExtremalMagnitude && s.Policy != scan.MaximumValue {
		return invalid("peak policy is not set; choose extremal-magnitude or maximum-value")
	}
	if s.Precision < 0 {
		return invalid("precision must not be negative, got %d", s.Precision)
	}
	if s.Settle < 0 {
		return invalid("settle delay must not be negative, got %v", s.Settle)
	}
	return nil
}

func (s Settings) checkLimits(positions []float64) error {
	for _, p := range positions {
		if !s.Limits.Check(p) {
			return invalid("position %v mm is outside the stage travel %v..%v mm", p, s.Limits.Min, s.Limits.Max)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Runner) countTimeout(err error) {
	if errors.Is(err, scan.ErrDeviceTimeout) {
		r.Metrics.Timeout()
	}
}

func (r *Runner) average(ctx context.Context, boxcar int, what string) (float64, error) {
	var v float64
	s := r.Settings
	err := r.Prompt.Spin(fmt.Sprintf("averaging %s for %v", what, s.AverageFor), func() error {
		var err error
		v, err = r.LockIn.AverageBoxcar(ctx, boxcar, s.AverageFor, s.AverageEvery)
		return err
	})
	if err != nil {
		r.countTimeout(err)
		return 0, fmt.Errorf("average %s: %w", what, err)
	}
	n := 1
	if s.AverageEvery > 0 && s.AverageFor >= s.AverageEvery {
		n = int(s.AverageFor / s.AverageEvery)
	}
	r.Metrics.Read(n)
	r.log().Info("reference", zap.String("what", what), zap.Float64("mV", v))
	return v, nil
}

// CaptureReferences walks the operator through the reference readings.
// Baseline subtraction is off on a boxcar while its reference is averaged and
// back on afterwards, so the scan reads changes relative to the sample.
func (r *Runner) CaptureReferences(ctx context.Context) (scan.References, error) {
	var refs scan.References
	if err := r.Prompt.Pause(ctx, "Remove the sample for the 100% transmission reading and press Enter."); err != nil {
		return refs, err
	}
	if err := r.LockIn.SetBaseline(lockin.BoxcarT, false); err != nil {
		return refs, err
	}
	v, err := r.average(ctx, lockin.BoxcarT, "transmission reference")
	if err != nil {
		return refs, err
	}
	refs.TRefMV = v
	r.Prompt.Say("T_ref = %.4f mV", v)

	if err := r.Prompt.Pause(ctx, "Insert the sample and press Enter."); err != nil {
		return refs, err
	}
	if refs.NormTMV, err = r.average(ctx, lockin.BoxcarT, "sample transmission"); err != nil {
		return refs, err
	}
	r.Prompt.Say("NormT = %.4f mV", refs.NormTMV)
	if err := r.LockIn.SetBaseline(lockin.BoxcarT, true); err != nil {
		return refs, err
	}

	if err := r.Prompt.Pause(ctx, "Set up the reflection path and press Enter."); err != nil {
		return refs, err
	}
	if err := r.LockIn.SetBaseline(lockin.BoxcarR, false); err != nil {
		return refs, err
	}
	if refs.NormRMV, err = r.average(ctx, lockin.BoxcarR, "sample reflection"); err != nil {
		return refs, err
	}
	r.Prompt.Say("NormR = %.4f mV", refs.NormRMV)
	if err := r.LockIn.SetBaseline(lockin.BoxcarR, true); err != nil {
		return refs, err
	}
	return refs, nil
}

// PromptPlan asks for the scan bounds until the operator confirms them, then
// for the number of steps, and returns the planned positions.  Nothing moves.
func (r *Runner) PromptPlan(ctx context.Context) (scan.Plan, []float64, error) {
	var p scan.Plan
	for {
		if err := ctx.Err(); err != nil {
			return p, nil, err
		}
		start, err := r.Prompt.Float(ctx, "Start position (mm)")
		if err != nil {
			return p, nil, err
		}
		stop, err := r.Prompt.Float(ctx, "End position (mm)")
		if err != nil {
			return p, nil, err
		}
		ok, err := r.Prompt.YesNo(ctx, fmt.Sprintf("Scan from %v mm to %v mm?", start, stop))
		if err != nil {
			return p, nil, err
		}
		if ok {
			p.StartMM, p.StopMM = start, stop
			break
		}
	}
	steps, err := r.Prompt.Int(ctx, "Number of steps")
	if err != nil {
		return p, nil, err
	}
	p.Steps = steps
	positions, err := scan.Planner{Precision: r.Settings.Precision}.Plan(p.StartMM, p.StopMM, p.Steps)
	if err != nil {
		return p, nil, err
	}
	if err := r.Settings.checkLimits(positions); err != nil {
		return p, nil, err
	}
	r.Prompt.Say("%d positions, %.*f mm apart", len(positions), r.Settings.Precision+2, p.StepSize())
	return p, positions, nil
}

// SweepResult is a coarse pass over the stage
type SweepResult struct {
	Positions []float64
	ValuesMV  []float64
	PeakIndex int
}

// PeakMM is the position with the largest transmission signal
func (s SweepResult) PeakMM() float64 {
	if s.PeakIndex < 0 || s.PeakIndex >= len(s.Positions) {
		return 0
	}
	return s.Positions[s.PeakIndex]
}

// QuickSweep moves fast from start to stop in coarse steps, reading the
// transmission boxcar at each position, to find the pump/probe overlap.
// The scan velocity and acceleration are restored afterwards, even on failure.
func (r *Runner) QuickSweep(ctx context.Context, start, stop, step float64) (res SweepResult, err error) {
	res.PeakIndex = -1
	s := r.Settings
	positions, err := scan.SweepPositions(start, stop, step, s.Precision)
	if err != nil {
		return res, err
	}
	if err := s.checkLimits(positions); err != nil {
		return res, err
	}
	if err := r.Stage.SetMotion(s.SweepVelocity, s.SweepAccel); err != nil {
		return res, err
	}
	defer func() {
		err = multierr.Append(err, r.Stage.SetMotion(s.ScanVelocity, s.ScanAccel))
	}()

	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := r.Stage.MoveTo(pos); err != nil {
			return res, err
		}
		r.Metrics.Move()
		if err := sleep(ctx, s.SweepPause); err != nil {
			return res, err
		}
		v, err := r.LockIn.ReadBoxcar(lockin.BoxcarT)
		if err != nil {
			r.countTimeout(err)
			return res, err
		}
		r.Metrics.Read(1)
		res.Positions = append(res.Positions, pos)
		res.ValuesMV = append(res.ValuesMV, v)
		r.log().Debug("sweep", zap.Float64("pos_mm", pos), zap.Float64("T_mV", v))
	}
	res.PeakIndex = floats.MaxIdx(res.ValuesMV)
	r.log().Info("sweep peak", zap.Float64("pos_mm", res.PeakMM()), zap.Float64("T_mV", res.ValuesMV[res.PeakIndex]))
	return res, nil
}

// LockInScan steps through positions, recording dT and dR at each.  The
// returned result holds every row recorded, re-referenced to the peak, even
// when err is not nil; it is empty when no row was recorded.
func (r *Runner) LockInScan(ctx context.Context, refs scan.References, positions []float64) (scan.Result, error) {
	s := r.Settings
	if len(positions) == 0 {
		return scan.Result{PeakIndex: -1}, invalid("no positions to scan")
	}
	if err := s.checkLimits(positions); err != nil {
		return scan.Result{PeakIndex: -1}, err
	}
	rec := scan.NewRecorder(refs, positions[0], s.Factor)
	finish := func(err error) (scan.Result, error) {
		n := rec.Len()
		if n == 0 {
			return scan.Result{References: refs, PeakIndex: -1, Policy: s.Policy, Factor: s.Factor}, err
		}
		res, rerr := rec.Result(positions[:n], s.Policy)
		return res, multierr.Append(err, rerr)
	}

	if err := r.Stage.SetMotion(s.ScanVelocity, s.ScanAccel); err != nil {
		return finish(err)
	}
	for i, pos := range positions {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		t0 := time.Now()
		if err := r.Stage.MoveTo(pos); err != nil {
			return finish(err)
		}
		r.Metrics.Move()
		if err := sleep(ctx, s.Settle); err != nil {
			return finish(err)
		}
		dt, err := r.LockIn.ReadBoxcar(lockin.BoxcarT)
		if err != nil {
			r.countTimeout(err)
			return finish(err)
		}
		dr, err := r.LockIn.ReadBoxcar(lockin.BoxcarR)
		if err != nil {
			r.countTimeout(err)
			return finish(err)
		}
		r.Metrics.Read(2)
		row, err := rec.Record(pos, dt, dr)
		if err != nil {
			return finish(err)
		}
		if r.Observer != nil {
			if err := r.Observer.OnStep(rec.Len()-1, row); err != nil {
				return finish(err)
			}
		}
		r.Metrics.Step(time.Since(t0).Seconds())
		r.log().Info("step",
			zap.Int("step", i),
			zap.Float64("pos_mm", row.PositionMM),
			zap.Float64("delay_ps", row.DelayPS),
			zap.Float64("dT_mV", row.DTMV),
			zap.Float64("dR_mV", row.DRMV),
			zap.Float64("dA_mV", row.DAMV))
	}
	return finish(nil)
}

// SpectralScan steps through positions capturing one spectrum at each
func (r *Runner) SpectralScan(ctx context.Context, positions []float64) (scan.SpectralResult, error) {
	s := r.Settings
	if len(positions) == 0 {
		return scan.SpectralResult{}, invalid("no positions to scan")
	}
	if err := s.checkLimits(positions); err != nil {
		return scan.SpectralResult{}, err
	}
	rec := &scan.SpectralRecorder{StartMM: positions[0], Factor: s.Factor}
	if err := r.Stage.SetMotion(s.ScanVelocity, s.ScanAccel); err != nil {
		return rec.Result(), err
	}
	for i, pos := range positions {
		if err := ctx.Err(); err != nil {
			return rec.Result(), err
		}
		t0 := time.Now()
		if err := r.Stage.MoveTo(pos); err != nil {
			return rec.Result(), err
		}
		r.Metrics.Move()
		if err := sleep(ctx, s.Settle); err != nil {
			return rec.Result(), err
		}
		wl, amp, err := r.Spectrometer.Capture(ctx)
		if err != nil {
			r.countTimeout(err)
			return rec.Result(), err
		}
		r.Metrics.Spectrum()
		row, err := rec.Record(pos, wl, amp)
		if err != nil {
			return rec.Result(), err
		}
		r.Metrics.Step(time.Since(t0).Seconds())
		r.log().Info("spectrum",
			zap.Int("step", i),
			zap.Float64("pos_mm", row.PositionMM),
			zap.Float64("delay_ps", row.DelayPS),
			zap.Int("points", len(row.Amplitudes)))
	}
	return rec.Result(), nil
}

// finish closes the runner, logs the run to the catalog and counts it
func (r *Runner) finish(run *catalog.Run, err error) error {
	err = multierr.Append(err, r.Close())
	run.Finished = time.Now()
	outcome := "ok"
	switch {
	case errors.Is(err, context.Canceled):
		outcome = "interrupted"
	case err != nil:
		outcome = "failed"
	}
	if err != nil {
		run.Error = err.Error()
	}
	r.Metrics.Finished(run.Kind, outcome)
	if r.Catalog != nil {
		// the scan context may already be cancelled; the record should still land
		if cerr := r.Catalog.Record(context.Background(), run); cerr != nil {
			r.log().Warn("catalog", zap.Error(cerr))
		}
	}
	r.log().Info("run finished", zap.String("id", run.ID), zap.String("kind", run.Kind),
		zap.String("outcome", outcome), zap.Int("steps", run.Steps), zap.String("file", run.File))
	return err
}

// LockInOptions tune LockInProcedure
type LockInOptions struct {
	// OfferSweep asks the operator whether to run a quick sweep before the plan
	OfferSweep bool

	// SweepStep is the quick sweep step in mm
	SweepStep float64
}

// LockInProcedure runs a full lock-in scan: references, optional quick
// sweep, plan, scan, export.  Runs with an Observer are catalogued as "live".
// It returns the path the result was written to.  The runner is closed on
// return.
func (r *Runner) LockInProcedure(ctx context.Context, opts LockInOptions) (path string, err error) {
	kind := "lockin"
	if r.Observer != nil {
		kind = "live"
	}
	run := catalog.NewRun(kind)
	defer func() { err = r.finish(&run, err) }()

	if err := r.Settings.Validate(); err != nil {
		return "", err
	}
	refs, err := r.CaptureReferences(ctx)
	if err != nil {
		return "", err
	}
	if refs.TRefMV == 0 {
		return "", fmt.Errorf("%w: check the probe beam and the transmission boxcar", scan.ErrDivisionByZero)
	}

	if opts.OfferSweep {
		if err := r.offerSweep(ctx, opts.SweepStep); err != nil {
			return "", err
		}
	}

	_, positions, err := r.PromptPlan(ctx)
	if err != nil {
		return "", err
	}

	res, err := r.LockInScan(ctx, refs, positions)
	run.Steps = len(res.Rows)
	if res.PeakIndex >= 0 {
		peak := res.PeakPositionMM()
		run.PeakMM = &peak
	}
	if err != nil {
		if r.Settings.ExportPartial && len(res.Rows) > 0 {
			p, werr := r.Sink.WriteLockIn(res)
			run.File = p
			if werr != nil {
				return p, multierr.Append(err, werr)
			}
			r.log().Warn("exported partial scan", zap.String("file", p), zap.Int("rows", len(res.Rows)))
			return p, err
		}
		return "", err
	}
	// a sink may write the workbook and still fail on a companion file
	path, err = r.Sink.WriteLockIn(res)
	run.File = path
	if err != nil {
		return path, err
	}
	r.Prompt.Say("peak at %v mm, %d rows written to %s", res.PeakPositionMM(), len(res.Rows), path)
	return path, nil
}

func (r *Runner) offerSweep(ctx context.Context, step float64) error {
	yes, err := r.Prompt.YesNo(ctx, "Run a quick sweep to find the overlap?")
	if err != nil || !yes {
		return err
	}
	start, err := r.Prompt.Float(ctx, "Sweep start (mm)")
	if err != nil {
		return err
	}
	stop, err := r.Prompt.Float(ctx, "Sweep end (mm)")
	if err != nil {
		return err
	}
	if step <= 0 {
		if step, err = r.Prompt.Float(ctx, "Sweep step (mm)"); err != nil {
			return err
		}
	}
	res, err := r.QuickSweep(ctx, start, stop, step)
	if err != nil {
		return err
	}
	r.Prompt.Say("overlap near %v mm (T = %.4f mV)", res.PeakMM(), res.ValuesMV[res.PeakIndex])
	return nil
}

// SweepProcedure runs a stand-alone quick sweep and closes the runner
func (r *Runner) SweepProcedure(ctx context.Context, start, stop, step float64) (res SweepResult, err error) {
	run := catalog.NewRun("sweep")
	defer func() { err = r.finish(&run, err) }()
	res, err = r.QuickSweep(ctx, start, stop, step)
	run.Steps = len(res.Positions)
	if err == nil {
		peak := res.PeakMM()
		run.PeakMM = &peak
	}
	return res, err
}

// SpectralProcedure configures the spectrometer, runs a spectral scan and
// exports it.  The runner is closed on return.
func (r *Runner) SpectralProcedure(ctx context.Context) (path string, err error) {
	run := catalog.NewRun("spectral")
	defer func() { err = r.finish(&run, err) }()

	if err := r.Settings.Validate(); err != nil {
		return "", err
	}
	if err := r.Settings.Spectrometer.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", scan.ErrInvalidScanParameters, err)
	}
	if err := r.Spectrometer.SetParams(r.Settings.Spectrometer); err != nil {
		return "", err
	}
	id, err := r.Spectrometer.DeviceID()
	if err != nil {
		return "", err
	}
	r.Prompt.Say("spectrometer %s connected", id)

	_, positions, err := r.PromptPlan(ctx)
	if err != nil {
		return "", err
	}
	res, err := r.SpectralScan(ctx, positions)
	run.Steps = len(res.Rows)
	if err != nil {
		if r.Settings.ExportPartial && len(res.Rows) > 0 {
			p, werr := r.Sink.WriteSpectral(res)
			run.File = p
			if werr != nil {
				return p, multierr.Append(err, werr)
			}
			return p, err
		}
		return "", err
	}
	path, err = r.Sink.WriteSpectral(res)
	run.File = path
	if err != nil {
		return path, err
	}
	r.Prompt.Say("%d spectra written to %s", len(res.Rows), path)
	return path, nil
}
