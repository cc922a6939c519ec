package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/urd/metricdb/memstore"
	"github.com/grafana/urd/pkg/model"
)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	reg := New(Config{}, memstore.New(), log.NewNopLogger())

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/metrics/register", reg.RegisterHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/metrics", reg.ListHandler).Methods(http.MethodGet)
	router.HandleFunc(fmt.Sprintf("/api/v1/metrics/{%s}", NameVar), reg.GetHandler).Methods(http.MethodGet)
	router.HandleFunc(fmt.Sprintf("/api/v1/metrics/{%s}", IDVar), reg.UpdateHandler).Methods(http.MethodPut)
	router.HandleFunc(fmt.Sprintf("/api/v1/metrics/{%s}", IDVar), reg.DeleteHandler).Methods(http.MethodDelete)
	return router
}

func doJSON(t *testing.T, router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRegisterEndpoint(t *testing.T) {
	router := newTestRouter(t)

	body := `{"name":"test_gauge","type":"GAUGE","description":"room temperature","unit":"celsius","labels":["location","sensor_id"],"retentionDays":30}`
	rec := doJSON(t, router, http.MethodPost, "/api/v1/metrics/register", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var m model.Metric
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "test_gauge", m.Name)
	assert.Equal(t, []string{"location", "sensor_id"}, m.LabelSchema)
	assert.NotZero(t, m.ID)

	// duplicate
	rec = doJSON(t, router, http.MethodPost, "/api/v1/metrics/register", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"conflict"`)

	// invalid type
	rec = doJSON(t, router, http.MethodPost, "/api/v1/metrics/register", `{"name":"bad_type","type":"INVALID_TYPE"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// missing type
	rec = doJSON(t, router, http.MethodPost, "/api/v1/metrics/register", `{"name":"no_type"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// malformed body
	rec = doJSON(t, router, http.MethodPost, "/api/v1/metrics/register", `{"name": "x"`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAndListEndpoints(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/metrics/register", `{"name":"cpu_usage","type":"GAUGE"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/metrics/cpu_usage", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/metrics/nonexistent_metric", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"not_found"`)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []model.Metric
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestUpdateAndDeleteEndpoints(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/metrics/register", `{"name":"to_update","type":"GAUGE"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var m model.Metric
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))

	rec = doJSON(t, router, http.MethodPut, "/api/v1/metrics/"+m.ID.String(), `{"retentionDays":7}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated model.Metric
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, 7, updated.RetentionDays)

	rec = doJSON(t, router, http.MethodPut, "/api/v1/metrics/not-a-uuid", `{"retentionDays":7}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/metrics/"+m.ID.String(), "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/metrics/to_update", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
