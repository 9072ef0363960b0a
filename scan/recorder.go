package scan

import "fmt"

// References are the scalar calibration readings taken before a sweep, in mV
type References struct {
	// TRefMV is the 100% transmission reading with no sample in
	TRefMV float64

	// NormTMV is the transmission with the sample in
	NormTMV float64

	// NormRMV is the reflection with the sample in
	NormRMV float64
}

// Row is one scan step
type Row struct {
	PositionMM float64
	DelayPS    float64

	DTMV float64
	DRMV float64
	DAMV float64

	DTPct float64
	DRPct float64
	DAPct float64
}

// Measure computes a row from raw boxcar readings.  dA is the negated sum of
// dT and dR, and every percentage is taken relative to tRefMV.
// DelayPS is left at zero.
func Measure(positionMM, dtMV, drMV, tRefMV float64) (Row, error) {
	if tRefMV == 0 {
		return Row{}, fmt.Errorf("%w: cannot express readings at %v mm as percentages", ErrDivisionByZero, positionMM)
	}
	da := -(dtMV + drMV)
	return Row{
		PositionMM: positionMM,
		DTMV:       dtMV,
		DRMV:       drMV,
		DAMV:       da,
		DTPct:      100 * dtMV / tRefMV,
		DRPct:      100 * drMV / tRefMV,
		DAPct:      100 * da / tRefMV,
	}, nil
}

// Recorder accumulates rows in scan order.  It is append only; delays are
// computed against StartMM at record time and rewritten by Rereference once
// the scan is over.
type Recorder struct {
	Refs    References
	StartMM float64
	Factor  PathFactor

	rows []Row
}

// NewRecorder returns a recorder normalizing against refs.TRefMV
func NewRecorder(refs References, startMM float64, factor PathFactor) *Recorder {
	return &Recorder{Refs: refs, StartMM: startMM, Factor: factor}
}

// Record appends a row for the readings at positionMM and returns it.
// Nothing is appended if the reference transmission is zero.
func (r *Recorder) Record(positionMM, dtMV, drMV float64) (Row, error) {
	row, err := Measure(positionMM, dtMV, drMV, r.Refs.TRefMV)
	if err != nil {
		return row, err
	}
	row.DelayPS = ToDelayPS(positionMM, r.StartMM, r.Factor)
	r.rows = append(r.rows, row)
	return row, nil
}

// Len is the number of rows recorded
func (r *Recorder) Len() int {
	return len(r.rows)
}

// Rows returns a copy of the recorded rows
func (r *Recorder) Rows() []Row {
	out := make([]Row, len(r.rows))
	copy(out, r.rows)
	return out
}

// Result re-references a copy of the rows to the peak chosen by policy.
// positions are the planned positions; if nil, the recorded positions are used.
func (r *Recorder) Result(positions []float64, policy PeakPolicy) (Result, error) {
	rows := r.Rows()
	if positions == nil {
		positions = make([]float64, len(rows))
		for i, row := range rows {
			positions[i] = row.PositionMM
		}
	}
	idx, err := Rereference(rows, positions, policy, r.Factor)
	if err != nil {
		return Result{References: r.Refs, Rows: rows, PeakIndex: -1, Policy: policy, Factor: r.Factor}, err
	}
	return Result{References: r.Refs, Rows: rows, PeakIndex: idx, Policy: policy, Factor: r.Factor}, nil
}

// Result is a finished lock-in scan
type Result struct {
	References
	Rows      []Row
	PeakIndex int
	Policy    PeakPolicy
	Factor    PathFactor
}

// PeakPositionMM is the stage position the delays are referenced to
func (r Result) PeakPositionMM() float64 {
	if r.PeakIndex < 0 || r.PeakIndex >= len(r.Rows) {
		return 0
	}
	return r.Rows[r.PeakIndex].PositionMM
}
