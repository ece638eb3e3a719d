package remote_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertof/go-healthpi-loader/measurement"
	"github.com/robertof/go-healthpi-loader/store/remote"
	"github.com/robertof/go-healthpi-loader/transport"
)

var scaleID = transport.MustParseID("C8:B2:1E:00:12:34")

func weightRecord() measurement.Record {
	return measurement.NewRecord(time.Date(2023, 1, 9, 6, 59, 30, 0, time.UTC),
		[]measurement.Value{measurement.NewWeight(70)}, []byte{9}, measurement.DeviceSource(scaleID))
}

func TestStoreRecords_PostsJSON(t *testing.T) {
	var body []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	repo := remote.New(srv.URL, remote.Options{})
	require.NoError(t, repo.StoreRecords(context.Background(), []measurement.Record{weightRecord()}))

	assert.JSONEq(t, `[{"timestamp":"2023-01-09T06:59:30","values":{"weight":70},"raw_data":[9],`+
		`"source":{"Device":"C8:B2:1E:00:12:34"}}]`, string(body))
}

func TestStoreRecords_EmptyBatch(t *testing.T) {
	var body []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := remote.New(srv.URL, remote.Options{})
	require.NoError(t, repo.StoreRecords(context.Background(), nil))

	assert.JSONEq(t, `[]`, string(body))
}

func TestStoreRecords_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo := remote.New(srv.URL, remote.Options{})
	err := repo.StoreRecords(context.Background(), []measurement.Record{weightRecord()})

	assert.ErrorIs(t, err, remote.ErrServer)
}

func TestStoreRecords_BreakerOpens(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	repo := remote.New(srv.URL, remote.Options{MaxFailures: 2, OpenTimeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, repo.StoreRecords(ctx, nil), remote.ErrServer)
	}

	err := repo.StoreRecords(ctx, nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Weight,Glucose", r.URL.Query().Get("select"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]measurement.Record{weightRecord()})
	}))
	defer srv.Close()

	repo := remote.New(srv.URL, remote.Options{})
	got, err := repo.FetchRecords(context.Background(),
		[]measurement.ValueType{measurement.Weight, measurement.Glucose})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, weightRecord().Values, got[0].Values)
	assert.True(t, got[0].Source.Equal(measurement.DeviceSource(scaleID)))
}
