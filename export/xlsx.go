// Package export writes scan results to disk: xlsx workbooks for the
// operators, FITS for the archive and PNG plots for a quick look.
package export

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/nasa-jpl/delayscan/scan"
)

const (
	// LockInSheet is the sheet holding a lock-in scan
	LockInSheet = "Sheet1"

	// SpectralSheet is the sheet holding a spectral scan
	SpectralSheet = "Spectra Data"
)

var (
	// SummaryColumns head the reference readings at A1
	SummaryColumns = []string{"Absolute Transmission", "NormT", "NormR"}

	// TableColumns head the scan rows at E1
	TableColumns = []string{"Position [mm]", "Delay [ps]", "dT [mV]", "dR [mV]", "dA [mV]", "dT [%]", "dR [%]", "dA [%]"}
)

const tableCol = 5 // E

func cell(col, row int) string {
	name, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		// col and row are computed here and always positive
		panic(err)
	}
	return name
}

func strings2iface(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// WriteLockIn writes a lock-in result to an xlsx workbook at path: the
// reference readings under SummaryColumns at A1 and one row per step under
// TableColumns at E1.
func WriteLockIn(path string, res scan.Result) error {
	f := excelize.NewFile()
	defer f.Close()

	header := strings2iface(SummaryColumns)
	if err := f.SetSheetRow(LockInSheet, "A1", &header); err != nil {
		return errors.Wrap(err, "write summary header")
	}
	summary := []interface{}{res.TRefMV, res.NormTMV, res.NormRMV}
	if err := f.SetSheetRow(LockInSheet, "A2", &summary); err != nil {
		return errors.Wrap(err, "write summary")
	}

	header = strings2iface(TableColumns)
	if err := f.SetSheetRow(LockInSheet, cell(tableCol, 1), &header); err != nil {
		return errors.Wrap(err, "write table header")
	}
	for i, r := range res.Rows {
		row := []interface{}{r.PositionMM, r.DelayPS, r.DTMV, r.DRMV, r.DAMV, r.DTPct, r.DRPct, r.DAPct}
		if err := f.SetSheetRow(LockInSheet, cell(tableCol, i+2), &row); err != nil {
			return errors.Wrapf(err, "write row %d", i)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return nil
}

func parseRow(cells []string, from, n int) ([]float64, error) {
	out := make([]float64, n)
	for i := range out {
		j := from + i
		if j >= len(cells) || cells[j] == "" {
			return nil, fmt.Errorf("column %d is empty", j+1)
		}
		f, err := strconv.ParseFloat(cells[j], 64)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

// ReadLockIn reads a workbook written by WriteLockIn.  The peak index is the
// first row at zero delay, or -1 if there is none; policy and path factor are
// not stored and are left zero.
func ReadLockIn(path string) (scan.Result, error) {
	res := scan.Result{PeakIndex: -1}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return res, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	rows, err := f.GetRows(LockInSheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return res, errors.Wrapf(err, "read %s", path)
	}
	if len(rows) < 2 {
		return res, fmt.Errorf("%s: no reference readings", path)
	}
	refs, err := parseRow(rows[1], 0, len(SummaryColumns))
	if err != nil {
		return res, errors.Wrapf(err, "%s: references", path)
	}
	res.TRefMV, res.NormTMV, res.NormRMV = refs[0], refs[1], refs[2]

	for i, cells := range rows[1:] {
		if len(cells) < tableCol {
			break
		}
		v, err := parseRow(cells, tableCol-1, len(TableColumns))
		if err != nil {
			return res, errors.Wrapf(err, "%s: row %d", path, i+2)
		}
		res.Rows = append(res.Rows, scan.Row{
			PositionMM: v[0], DelayPS: v[1],
			DTMV: v[2], DRMV: v[3], DAMV: v[4],
			DTPct: v[5], DRPct: v[6], DAPct: v[7],
		})
		if v[1] == 0 && res.PeakIndex < 0 {
			res.PeakIndex = i
		}
	}
	return res, nil
}

// SpectralHeader returns the column titles of the spectral sheet
func SpectralHeader(wavelengths []float64) []string {
	out := make([]string, 0, len(wavelengths)+2)
	out = append(out, "Stage Position (mm)", "Delay Time (ps)")
	for _, wl := range wavelengths {
		out = append(out, fmt.Sprintf("%.2f nm", wl))
	}
	return out
}

// WriteSpectral writes a spectral result to the SpectralSheet of an xlsx
// workbook at path, one spectrum per row
func WriteSpectral(path string, res scan.SpectralResult) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", SpectralSheet); err != nil {
		return errors.Wrap(err, "name sheet")
	}
	header := strings2iface(SpectralHeader(res.Wavelengths))
	if err := f.SetSheetRow(SpectralSheet, "A1", &header); err != nil {
		return errors.Wrap(err, "write header")
	}
	for i, r := range res.Rows {
		row := make([]interface{}, 0, len(r.Amplitudes)+2)
		row = append(row, r.PositionMM, r.DelayPS)
		for _, a := range r.Amplitudes {
			row = append(row, a)
		}
		if err := f.SetSheetRow(SpectralSheet, cell(1, i+2), &row); err != nil {
			return errors.Wrapf(err, "write spectrum %d", i)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return nil
}
