package ascii

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/delayscan/generichttp"
)

type echo struct{ sent []string }

func (e *echo) Raw(cmd string) (string, error) {
	if cmd == "" {
		return "", errors.New("empty command")
	}
	e.sent = append(e.sent, cmd)
	return "1TP150.000", nil
}

func TestRawRoute(t *testing.T) {
	dev := &echo{}
	table := generichttp.RouteTable{}
	Inject(dev, table)
	require.Len(t, table, 1)
	r := chi.NewRouter()
	table.Bind(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/raw", strings.NewReader(`{"str":"1TP?"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"str":"1TP150.000"}`, rec.Body.String())
	assert.Equal(t, []string{"1TP?"}, dev.sent)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/raw", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/raw", strings.NewReader(`{"str":""}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestInjectSkipsOtherDevices(t *testing.T) {
	table := generichttp.RouteTable{}
	Inject(struct{}{}, table)
	assert.Empty(t, table)
}
