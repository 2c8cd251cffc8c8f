package source

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/globaldothealth/fhirflat"
)

func TestReadCSV(t *testing.T) {
	src := strings.Join([]string{
		"subjid,visitid,dates_admdate,outco_outcome,outco_secondiag_oth",
		"2,11,2021-04-01,1,",
		"3,12,,2,Malaria",
		"4,13.5,2021-04-03,,",
	}, "\n")

	table, err := ReadCSV(strings.NewReader(src))
	require.NoError(t, err)
	require.Equal(t, 3, table.Len())

	assert.Equal(t, fhirflat.FlatRow{
		"subjid":              2.0,
		"visitid":             11.0,
		"dates_admdate":       "2021-04-01",
		"outco_outcome":       1.0,
		"outco_secondiag_oth": nil,
	}, table.Rows()[0])
	assert.Nil(t, table.Value(1, "dates_admdate"))
	assert.Equal(t, "Malaria", table.Value(1, "outco_secondiag_oth"))
	assert.Equal(t, 13.5, table.Value(2, "visitid"))
	assert.Nil(t, table.Value(2, "outco_outcome"))
}

func TestReadCSV_MixedColumnStaysText(t *testing.T) {
	table, err := ReadCSV(strings.NewReader("code\n08\nA1\n"))
	require.NoError(t, err)
	assert.Equal(t, "08", table.Value(0, "code"))
	assert.Equal(t, "A1", table.Value(1, "code"))
}

func TestReadCSV_ShortRows(t *testing.T) {
	table, err := ReadCSV(strings.NewReader("a,b\n1\n"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, table.Value(0, "a"))
	assert.Nil(t, table.Value(0, "b"))
}

func TestReadCSV_Empty(t *testing.T) {
	_, err := ReadCSV(strings.NewReader(""))
	assert.Error(t, err)
}

func TestSQLValue(t *testing.T) {
	midnight := time.Date(2021, 4, 1, 0, 0, 0, 0, time.UTC)
	evening := time.Date(2021, 4, 1, 18, 0, 0, 0, time.UTC)

	tests := []struct {
		in   any
		want any
	}{
		{[]byte("Malaria"), "Malaria"},
		{int64(2), 2.0},
		{int32(3), 3.0},
		{float32(1.5), 1.5},
		{midnight, "2021-04-01"},
		{evening, "2021-04-01T18:00:00Z"},
		{nil, nil},
		{true, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, sqlValue(tt.in), "%v", tt.in)
	}
}

func TestRemote_SheetURL(t *testing.T) {
	r := NewRemote()
	assert.Equal(t,
		"https://docs.google.com/spreadsheets/d/abc123/gviz/tq?tqx=out:csv&sheet=Encounter",
		r.SheetURL("abc123", "Encounter"))
}

func TestRemote_Retries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "Resources", req.URL.Query().Get("sheet"))
		io.WriteString(w, "Resources,Resource Type\nEncounter,one-to-one\n")
	}))
	defer srv.Close()

	r := NewRemote().WithRetryWait(time.Millisecond, 5*time.Millisecond)
	r.BaseURL = srv.URL

	table, err := r.ReadCSV(context.Background(), r.SheetURL("sheet", "Resources"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "Encounter", table.Value(0, "Resources"))
}

func TestRemote_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewRemote().Fetch(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "404")
}
