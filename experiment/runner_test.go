package experiment

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/delayscan/catalog"
	"github.com/nasa-jpl/delayscan/lockin"
	"github.com/nasa-jpl/delayscan/metrics"
	"github.com/nasa-jpl/delayscan/newport"
	"github.com/nasa-jpl/delayscan/prompt"
	"github.com/nasa-jpl/delayscan/scan"
	"github.com/nasa-jpl/delayscan/spectrometer"
)

type memSink struct {
	lockin   []scan.Result
	spectral []scan.SpectralResult
}

func (m *memSink) WriteLockIn(res scan.Result) (string, error) {
	m.lockin = append(m.lockin, res)
	return "mem://RTA_readings.xlsx", nil
}

func (m *memSink) WriteSpectral(res scan.SpectralResult) (string, error) {
	m.spectral = append(m.spectral, res)
	return "mem://Spectrometer_readings.xlsx", nil
}

type stepLog struct {
	indices []int
	after   int
	cancel  context.CancelFunc
}

func (s *stepLog) OnStep(index int, row scan.Row) error {
	s.indices = append(s.indices, index)
	if s.cancel != nil && len(s.indices) == s.after {
		s.cancel()
	}
	return nil
}

type bench struct {
	stage   *newport.MockStage
	lock    *lockin.Mock
	spec    *spectrometer.Mock
	sink    *memSink
	metrics *metrics.Metrics
	store   *catalog.Store
	runner  *Runner
}

func testSettings() Settings {
	s := DefaultSettings()
	s.Factor = scan.RoundTrip
	s.Policy = scan.MaximumValue
	s.Settle = 0
	s.AverageFor = 0
	s.AverageEvery = 0
	s.SweepPause = 0
	return s
}

// newBench wires mocks so the signal peaks when the stage is at 105 mm
func newBench(t *testing.T, answers string) *bench {
	t.Helper()
	b := &bench{stage: newport.NewMockStage(), sink: &memSink{}}
	pp := lockin.PumpProbe{Position: b.stage.Position, CenterMM: 105, WidthMM: 1, AmpMV: 50, RefMV: 200}
	b.lock = lockin.NewMock(pp.Read)
	line := spectrometer.ShiftingLine{Position: b.stage.Position, CenterMM: 105, WidthMM: 1,
		LineNM: 430, LineFWHM: 5, Counts: 1000, Floor: 10}
	b.spec = spectrometer.NewMock(spectrometer.Calibration{0, 0, 2, 400}, 64, line.Spectrum)
	b.metrics = metrics.New(prometheus.NewRegistry())

	store, err := catalog.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	b.store = store

	console := prompt.New(strings.NewReader(answers), io.Discard)
	console.Spinner = false
	b.runner = &Runner{
		Stage:        b.stage,
		LockIn:       b.lock,
		Spectrometer: b.spec,
		Prompt:       console,
		Sink:         b.sink,
		Catalog:      store,
		Settings:     testSettings(),
		Metrics:      b.metrics,
	}
	return b
}

func (b *bench) assertClosed(t *testing.T) {
	t.Helper()
	assert.True(t, b.stage.Closed(), "stage released")
	assert.True(t, b.lock.Closed(), "lock-in released")
	assert.True(t, b.spec.Closed(), "spectrometer released")
}

const references = "\n\n\n"

func TestLockInProcedure(t *testing.T) {
	// the first bounds are rejected at the confirmation prompt
	b := newBench(t, references+"90\n95\nn\n100\n110\ny\n11\n")
	path, err := b.runner.LockInProcedure(context.Background(), LockInOptions{})
	require.NoError(t, err)
	assert.Equal(t, "mem://RTA_readings.xlsx", path)
	b.assertClosed(t)

	require.Len(t, b.sink.lockin, 1)
	res := b.sink.lockin[0]
	require.Len(t, res.Rows, 11)
	assert.Equal(t, []float64{100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110}, b.stage.Moves)
	assert.Equal(t, 5, res.PeakIndex)
	assert.Equal(t, 105., res.PeakPositionMM())
	assert.InDelta(t, 200, res.TRefMV, 1e-6)

	want := make([]float64, 11)
	got := make([]float64, 11)
	for i, row := range res.Rows {
		want[i] = scan.ToDelayPS(row.PositionMM, 105, scan.RoundTrip)
		got[i] = row.DelayPS
		assert.Equal(t, -(row.DTMV + row.DRMV), row.DAMV)
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("delays (-want +got):\n%s", diff)
	}

	for _, boxcar := range []int{lockin.BoxcarT, lockin.BoxcarR} {
		on, _ := b.lock.GetBaseline(boxcar)
		assert.True(t, on, "baseline %d left on", boxcar)
	}
	assert.Equal(t, 0.02, mustVelocity(t, b.stage))

	assert.Equal(t, 11., testutil.ToFloat64(b.metrics.ScanSteps))
	assert.Equal(t, 1., testutil.ToFloat64(b.metrics.Scans.WithLabelValues("lockin", "ok")))

	runs, err := b.store.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "lockin", runs[0].Kind)
	assert.Equal(t, 11, runs[0].Steps)
	require.NotNil(t, runs[0].PeakMM)
	assert.Equal(t, 105., *runs[0].PeakMM)
	assert.Empty(t, runs[0].Error)
}

func mustVelocity(t *testing.T, s *newport.MockStage) float64 {
	t.Helper()
	v, err := s.GetVelocity(s.Axis)
	require.NoError(t, err)
	return v
}

func TestLockInProcedureRefusesUnpinnedSettings(t *testing.T) {
	b := newBench(t, references+"100\n110\ny\n11\n")
	b.runner.Settings.Factor = 0
	_, err := b.runner.LockInProcedure(context.Background(), LockInOptions{})
	assert.ErrorIs(t, err, scan.ErrInvalidScanParameters)
	assert.Empty(t, b.stage.Moves)
	assert.Zero(t, b.lock.Reads())
	b.assertClosed(t)
}

func TestLockInProcedureZeroReference(t *testing.T) {
	b := newBench(t, references+"100\n110\ny\n11\n")
	b.lock.Source = func(int) (float64, error) { return 0, nil }
	_, err := b.runner.LockInProcedure(context.Background(), LockInOptions{})
	assert.ErrorIs(t, err, scan.ErrDivisionByZero)
	assert.Empty(t, b.stage.Moves, "no motion after a bad reference")
	assert.Empty(t, b.sink.lockin)
	b.assertClosed(t)
}

func TestLockInProcedureRejectsPlanOutsideTravel(t *testing.T) {
	b := newBench(t, references+"200\n300\ny\n11\n")
	_, err := b.runner.LockInProcedure(context.Background(), LockInOptions{})
	assert.ErrorIs(t, err, scan.ErrInvalidScanParameters)
	assert.Empty(t, b.stage.Moves)
	b.assertClosed(t)
}

func TestLockInProcedureTooFewSteps(t *testing.T) {
	b := newBench(t, references+"100\n110\ny\n1\n")
	_, err := b.runner.LockInProcedure(context.Background(), LockInOptions{})
	assert.ErrorIs(t, err, scan.ErrInvalidScanParameters)
	assert.Empty(t, b.stage.Moves)
}

func stageTimeoutFrom(limit float64) func(float64) error {
	return func(pos float64) error {
		if pos >= limit {
			return &scan.DeviceError{Device: "dl225", Op: "1PA", Kind: scan.ErrDeviceTimeout, Err: errors.New("no response")}
		}
		return nil
	}
}

func TestLockInProcedureExportsPartialScan(t *testing.T) {
	b := newBench(t, references+"100\n110\ny\n11\n")
	b.runner.Settings.ExportPartial = true
	b.stage.FailAt = stageTimeoutFrom(104)

	path, err := b.runner.LockInProcedure(context.Background(), LockInOptions{})
	assert.ErrorIs(t, err, scan.ErrDeviceTimeout)
	assert.Equal(t, "mem://RTA_readings.xlsx", path)
	b.assertClosed(t)

	require.Len(t, b.sink.lockin, 1)
	res := b.sink.lockin[0]
	require.Len(t, res.Rows, 4)
	assert.Equal(t, 3, res.PeakIndex, "peak of the rows gathered")
	assert.InDelta(t, 0, res.Rows[3].DelayPS, 1e-12)

	runs, err := b.store.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 4, runs[0].Steps)
	assert.Contains(t, runs[0].Error, "device i/o timeout")
	assert.Equal(t, 1., testutil.ToFloat64(b.metrics.Scans.WithLabelValues("lockin", "failed")))
}

func TestLockInProcedureDropsPartialScanByDefault(t *testing.T) {
	b := newBench(t, references+"100\n110\ny\n11\n")
	b.stage.FailAt = stageTimeoutFrom(104)
	path, err := b.runner.LockInProcedure(context.Background(), LockInOptions{})
	assert.ErrorIs(t, err, scan.ErrDeviceTimeout)
	assert.Empty(t, path)
	assert.Empty(t, b.sink.lockin)
	b.assertClosed(t)
}

func TestLockInProcedureInterrupted(t *testing.T) {
	b := newBench(t, references+"100\n110\ny\n11\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := &stepLog{after: 3, cancel: cancel}
	b.runner.Observer = obs
	b.runner.Settings.ExportPartial = true

	_, err := b.runner.LockInProcedure(ctx, LockInOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{0, 1, 2}, obs.indices)
	assert.Len(t, b.stage.Moves, 3)
	require.Len(t, b.sink.lockin, 1)
	assert.Len(t, b.sink.lockin[0].Rows, 3)
	b.assertClosed(t)
	assert.Equal(t, 1., testutil.ToFloat64(b.metrics.Scans.WithLabelValues("live", "interrupted")))
}

func TestLockInProcedureInterruptedAtPrompt(t *testing.T) {
	b := newBench(t, "")
	// nobody ever answers
	stdin, typist := io.Pipe()
	t.Cleanup(func() { typist.Close() })
	console := prompt.New(stdin, io.Discard)
	console.Spinner = false
	b.runner.Prompt = console

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.runner.LockInProcedure(ctx, LockInOptions{})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("procedure still waiting on the operator after cancel")
	}
	b.assertClosed(t)
	assert.Empty(t, b.stage.Moves)
	assert.Equal(t, 1., testutil.ToFloat64(b.metrics.Scans.WithLabelValues("lockin", "interrupted")))
}

type plotFailSink struct{ memSink }

func (p *plotFailSink) WriteLockIn(res scan.Result) (string, error) {
	path, _ := p.memSink.WriteLockIn(res)
	return path, errors.New("plot: disk full")
}

func TestLockInProcedureKeepsWorkbookPathOnCompanionFailure(t *testing.T) {
	b := newBench(t, references+"100\n110\ny\n3\n")
	b.runner.Sink = &plotFailSink{}
	path, err := b.runner.LockInProcedure(context.Background(), LockInOptions{})
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, "mem://RTA_readings.xlsx", path)

	runs, err := b.store.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "mem://RTA_readings.xlsx", runs[0].File)
	assert.Contains(t, runs[0].Error, "disk full")
}

func TestLockInProcedureWithSweep(t *testing.T) {
	b := newBench(t, references+"y\n100\n110\n100\n110\ny\n3\n")
	_, err := b.runner.LockInProcedure(context.Background(), LockInOptions{OfferSweep: true, SweepStep: 2.5})
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 102.5, 105, 107.5, 110, 100, 105, 110}, b.stage.Moves)
}

func TestObserverSeesEveryRowInOrder(t *testing.T) {
	b := newBench(t, "")
	obs := &stepLog{}
	b.runner.Observer = obs
	positions, err := scan.Planner{Precision: 2}.Plan(0, 1, 6)
	require.NoError(t, err)
	res, err := b.runner.LockInScan(context.Background(), scan.References{TRefMV: 200}, positions)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, obs.indices)
	assert.Len(t, res.Rows, 6)
}

func TestQuickSweep(t *testing.T) {
	b := newBench(t, "")
	var during []float64
	b.stage.FailAt = func(float64) error {
		during = append(during, mustVelocity(t, b.stage))
		return nil
	}
	res, err := b.runner.QuickSweep(context.Background(), 100, 110, 2.5)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 102.5, 105, 107.5, 110}, res.Positions)
	assert.Equal(t, 2, res.PeakIndex)
	assert.Equal(t, 105., res.PeakMM())
	for _, v := range during {
		assert.Equal(t, 1., v)
	}
	assert.Equal(t, 0.02, mustVelocity(t, b.stage), "slow motion restored")
	assert.Equal(t, 100., b.stage.Acceleration(b.stage.Axis))
	assert.False(t, b.stage.Closed(), "a bare sweep leaves the devices open")
}

func TestQuickSweepRestoresMotionOnFailure(t *testing.T) {
	b := newBench(t, "")
	b.stage.FailAt = stageTimeoutFrom(105)
	_, err := b.runner.QuickSweep(context.Background(), 100, 110, 2.5)
	assert.ErrorIs(t, err, scan.ErrDeviceTimeout)
	assert.Equal(t, 0.02, mustVelocity(t, b.stage))
}

func TestQuickSweepBadStep(t *testing.T) {
	b := newBench(t, "")
	_, err := b.runner.QuickSweep(context.Background(), 100, 110, 0)
	assert.ErrorIs(t, err, scan.ErrInvalidScanParameters)
	_, err = b.runner.QuickSweep(context.Background(), 110, 100, 1)
	assert.ErrorIs(t, err, scan.ErrInvalidScanParameters)
	assert.Empty(t, b.stage.Moves)
}

func TestSweepProcedure(t *testing.T) {
	b := newBench(t, "")
	res, err := b.runner.SweepProcedure(context.Background(), 100, 110, 2.5)
	require.NoError(t, err)
	assert.Equal(t, 105., res.PeakMM())
	b.assertClosed(t)
	runs, err := b.store.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "sweep", runs[0].Kind)
}

func TestSpectralProcedure(t *testing.T) {
	b := newBench(t, "100\n110\ny\n11\n")
	b.runner.LockIn = nil
	b.runner.Settings.Spectrometer.Smoothing = 1
	path, err := b.runner.SpectralProcedure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mem://Spectrometer_readings.xlsx", path)
	assert.True(t, b.spec.Closed())
	assert.True(t, b.stage.Closed())
	assert.Equal(t, 1, b.spec.Params().Smoothing)

	require.Len(t, b.sink.spectral, 1)
	res := b.sink.spectral[0]
	require.Len(t, res.Rows, 11)
	require.Len(t, res.Wavelengths, 64)
	assert.Equal(t, 400., res.Wavelengths[0])
	assert.Equal(t, 0., res.Rows[0].DelayPS)
	assert.InDelta(t, scan.ToDelayPS(110, 100, scan.RoundTrip), res.Rows[10].DelayPS, 1e-12)
	// the line at 430 nm is brightest at the overlap
	assert.Greater(t, res.Rows[5].Amplitudes[30], res.Rows[0].Amplitudes[30])
	assert.Equal(t, 11., testutil.ToFloat64(b.metrics.Spectra))
}

func TestSpectralProcedureBadParams(t *testing.T) {
	b := newBench(t, "100\n110\ny\n11\n")
	b.runner.Settings.Spectrometer.IntegrationMS = 1
	_, err := b.runner.SpectralProcedure(context.Background())
	assert.ErrorIs(t, err, scan.ErrInvalidScanParameters)
	assert.Empty(t, b.stage.Moves)
	b.assertClosed(t)
}

type failingCloser struct {
	Stage
	err   error
	calls int
}

func (f *failingCloser) Close() error {
	f.calls++
	return f.err
}

func TestCloseIsIdempotentAndCombinesErrors(t *testing.T) {
	b := newBench(t, "")
	stage := &failingCloser{Stage: b.stage, err: errors.New("port busy")}
	b.runner.Stage = stage
	err := b.runner.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port busy")
	assert.True(t, b.lock.Closed(), "lock-in closed despite stage failure")
	assert.NoError(t, b.runner.Close())
	assert.Equal(t, 1, stage.calls)
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	assert.ErrorIs(t, s.Validate(), scan.ErrInvalidScanParameters, "factor and policy have no default")
	s.Factor = scan.OneWay
	assert.ErrorIs(t, s.Validate(), scan.ErrInvalidScanParameters)
	s.Policy = scan.ExtremalMagnitude
	assert.NoError(t, s.Validate())
	s.Settle = -1
	assert.ErrorIs(t, s.Validate(), scan.ErrInvalidScanParameters)
}
