// Package boxcar provides an HTTP interface to boxcar integrators on a
// lock-in amplifier, for watching the signal while aligning the beams
package boxcar

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/delayscan/generichttp"
)

// Reader reads boxcar values in mV
type Reader interface {
	ReadBoxcar(int) (float64, error)
}

// Baseliner toggles baseline subtraction on a boxcar
type Baseliner interface {
	SetBaseline(int, bool) error
	GetBaseline(int) (bool, error)
}

// Inject adds routes for every capability iface has to the table
func Inject(iface interface{}, table generichttp.RouteTable) {
	if rd, ok := iface.(Reader); ok {
		table[generichttp.MethodPath{Method: http.MethodGet, Path: "/boxcar/{ch}/value"}] = GetValue(rd)
	}
	if b, ok := iface.(Baseliner); ok {
		table[generichttp.MethodPath{Method: http.MethodGet, Path: "/boxcar/{ch}/baseline"}] = GetBaseline(b)
		table[generichttp.MethodPath{Method: http.MethodPost, Path: "/boxcar/{ch}/baseline"}] = SetBaseline(b)
	}
}

func channel(w http.ResponseWriter, r *http.Request) (int, bool) {
	ch, err := strconv.Atoi(chi.URLParam(r, "ch"))
	if err != nil || ch < 0 {
		http.Error(w, "boxcar channel must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return ch, true
}

// GetValue returns an HTTP handler func that reads one boxcar
func GetValue(rd Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, ok := channel(w, r)
		if !ok {
			return
		}
		generichttp.GetFloat(func() (float64, error) { return rd.ReadBoxcar(ch) })(w, r)
	}
}

// GetBaseline returns an HTTP handler func that reports if baseline
// subtraction is on
func GetBaseline(b Baseliner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, ok := channel(w, r)
		if !ok {
			return
		}
		generichttp.GetBool(func() (bool, error) { return b.GetBaseline(ch) })(w, r)
	}
}

// SetBaseline returns an HTTP handler func that turns baseline subtraction
// on or off from {"bool": value}
func SetBaseline(b Baseliner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, ok := channel(w, r)
		if !ok {
			return
		}
		generichttp.SetBool(func(on bool) error { return b.SetBaseline(ch, on) })(w, r)
	}
}
