// Package ascii exposes the raw command channel of ASCII instruments over HTTP
package ascii

import (
	"encoding/json"
	"go/types"
	"net/http"

	"github.com/nasa-jpl/delayscan/generichttp"
)

// RawCommunicator has a single Raw method, sending one command and
// returning the reply, if any
type RawCommunicator interface {
	Raw(string) (string, error)
}

// HTTPRaw sends json:str to the device and replies with its answer
func HTTPRaw(rc RawCommunicator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		str := generichttp.StrT{}
		err := json.NewDecoder(r.Body).Decode(&str)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := rc.Raw(str.Str)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.String, String: resp}
		hp.EncodeAndRespond(w, r)
	}
}

// Inject adds POST /raw to the table if iface is a RawCommunicator
func Inject(iface interface{}, table generichttp.RouteTable) {
	if rc, ok := iface.(RawCommunicator); ok {
		table[generichttp.MethodPath{Method: http.MethodPost, Path: "/raw"}] = HTTPRaw(rc)
	}
}
