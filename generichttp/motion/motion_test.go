package motion

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/delayscan/generichttp"
	"github.com/nasa-jpl/delayscan/newport"
	"github.com/nasa-jpl/delayscan/util"
)

func stageServer(t *testing.T) (*newport.MockStage, http.Handler) {
	t.Helper()
	stage := newport.NewMockStage()
	stage.Limits = util.Limiter{}
	table := generichttp.RouteTable{}
	Inject(stage, table)
	lim := &LimitMiddleware{Limits: map[string]util.Limiter{"1": {Min: 0, Max: 225}}, Mov: stage}
	lim.Inject(table)

	r := chi.NewRouter()
	r.Route("/stage", func(r chi.Router) {
		r.Use(lim.Check)
		table.Bind(r)
	})
	return stage, r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestInjectBindsCapabilities(t *testing.T) {
	table := generichttp.RouteTable{}
	Inject(newport.NewMockStage(), table)
	assert.Equal(t, []string{
		"GET /axis/{axis}/inposition",
		"GET /axis/{axis}/pos",
		"GET /axis/{axis}/velocity",
		"POST /axis/{axis}/home",
		"POST /axis/{axis}/pos",
		"POST /axis/{axis}/stop",
		"POST /axis/{axis}/velocity",
	}, table.Endpoints())
}

func TestMoveAndRead(t *testing.T) {
	stage, h := stageServer(t)
	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/stage/axis/1/pos", `{"f64":150.25}`).Code)
	assert.Equal(t, 150.25, stage.Position())

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/stage/axis/1/pos?relative=true", `{"f64":-0.25}`).Code)
	assert.Equal(t, 150., stage.Position())

	rec := do(h, http.MethodGet, "/stage/axis/1/pos", "")
	assert.JSONEq(t, `{"f64":150}`, rec.Body.String())

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/stage/axis/1/velocity", `{"f64":0.02}`).Code)
	rec = do(h, http.MethodGet, "/stage/axis/1/velocity", "")
	assert.JSONEq(t, `{"f64":0.02}`, rec.Body.String())

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/stage/axis/1/home", "").Code)
	assert.Equal(t, 0., stage.Position())
}

func TestLimitMiddleware(t *testing.T) {
	stage, h := stageServer(t)
	rec := do(h, http.MethodPost, "/stage/axis/1/pos", `{"f64":300}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "software limits")
	assert.Empty(t, stage.Moves)

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/stage/axis/1/pos", `{"f64":200}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/stage/axis/1/pos?relative=true", `{"f64":30}`).Code)
	assert.Equal(t, 200., stage.Position())

	// axes without limits are not checked
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/stage/axis/2/pos", `{"f64":-5}`).Code)

	rec = do(h, http.MethodGet, "/stage/axis/1/limits", "")
	assert.JSONEq(t, `{"Min":0,"Max":225}`, rec.Body.String())
	rec = do(h, http.MethodGet, "/stage/axis/2/limits", "")
	assert.Equal(t, "null\n", rec.Body.String())
}

func TestBadBody(t *testing.T) {
	_, h := stageServer(t)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/stage/axis/1/pos", `150`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/stage/axis/1/pos?relative=maybe", `{"f64":1}`).Code)
}
