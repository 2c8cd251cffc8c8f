package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/globaldothealth/fhirflat/engine"
)

var (
	convOnce sync.Once
	conv     *engine.Converter
	errConv  error
)

func newServer(t *testing.T) *Server {
	t.Helper()
	convOnce.Do(func() {
		conv, errConv = engine.New(context.Background())
	})
	require.NoError(t, errConv)
	return New(conv)
}

func do(t *testing.T, s *Server, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	rec, out := do(t, newServer(t), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestFlatten(t *testing.T) {
	s := newServer(t)

	rec, out := do(t, s, http.MethodPost, "/fhir/Encounter/$flatten",
		`{"id":"f203","status":"completed","subject":{"reference":"Patient/2"},"actualPeriod":{"start":"2021-04-01"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Encounter", out["resourceType"])
	assert.Equal(t, "Patient/2", out["subject"])
	assert.Equal(t, "2021-04-01", out["actualPeriod.start"])
}

func TestFlatten_WrongType(t *testing.T) {
	rec, out := do(t, newServer(t), http.MethodPost, "/fhir/Encounter/$flatten",
		`{"resourceType":"Patient","id":"p1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "OperationOutcome", out["resourceType"])
}

func TestFlatten_UnknownType(t *testing.T) {
	rec, _ := do(t, newServer(t), http.MethodPost, "/fhir/Medication/$flatten", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFlatten_BadBody(t *testing.T) {
	rec, _ := do(t, newServer(t), http.MethodPost, "/fhir/Encounter/$flatten", `[1, 2`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnflatten(t *testing.T) {
	s := newServer(t)

	rec, out := do(t, s, http.MethodPost, "/fhir/Encounter/$unflatten",
		`{"resourceType":"Encounter","id":"f203","subject":"Patient/2","actualPeriod.start":"2021-04-01"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Encounter", out["resourceType"])
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, map[string]any{"reference": "Patient/2"}, out["subject"])
}

func TestUnflatten_Invalid(t *testing.T) {
	rec, out := do(t, newServer(t), http.MethodPost, "/fhir/Encounter/$unflatten",
		`{"resourceType":"Encounter","actualPeriod.end":"10/04/2021"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "OperationOutcome", out["resourceType"])
	assert.NotEmpty(t, out["issue"])
}

func TestValidate(t *testing.T) {
	s := newServer(t)

	rec, out := do(t, s, http.MethodPost, "/fhir/Encounter/$validate", `{"status":"completed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, out["issue"])

	rec, out = do(t, s, http.MethodPost, "/fhir/Encounter/$validate",
		`{"status":"completed","actualPeriod":{"end":"soon"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, out["issue"])
}

func TestMetrics(t *testing.T) {
	s := newServer(t)
	do(t, s, http.MethodPost, "/fhir/Encounter/$flatten", `{"status":"completed"}`)

	rec, out := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, out, "records_total")
}
