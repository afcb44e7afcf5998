package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/broker"
	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/health"
	"github.com/exportkit-io/exportkit/internal/objectstore"
)

func TestHandleHealth_ReturnsOKWhenEveryDependencyIsReachable(t *testing.T) {
	require.NoError(t, db.InitEncryption([]byte("01234567890123456789012345678901")))
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	b := broker.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())

	// A minimal valid ListObjectsV2 response lets the object-store probe
	// succeed without talking to real S3.
	s3Stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>exportkit-test</Name><KeyCount>0</KeyCount></ListBucketResult>`))
	}))
	defer s3Stub.Close()

	store, err := objectstore.New(context.Background(), objectstore.Config{
		Bucket: "exportkit-test", Region: "us-east-1", Endpoint: s3Stub.URL,
		AccessKeyID: "test", SecretAccessKey: "test", ForcePathStyle: true,
	})
	require.NoError(t, err)

	checker := health.New(database, b, store)
	srv := &Server{health: checker}

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	srv.handleHealth(w, r)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var report health.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.Healthy)
	assert.Len(t, report.Dependencies, 3)
}

func TestHandleHealth_ReturnsServiceUnavailableWhenObjectStoreUnreachable(t *testing.T) {
	require.NoError(t, db.InitEncryption([]byte("01234567890123456789012345678901")))
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	b := broker.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())

	// Closing the stub before use means every probe request hits a refused
	// connection immediately rather than waiting out a DNS timeout.
	s3Stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	s3Stub.Close()

	store, err := objectstore.New(context.Background(), objectstore.Config{
		Bucket: "exportkit-test", Region: "us-east-1", Endpoint: s3Stub.URL,
		AccessKeyID: "test", SecretAccessKey: "test", ForcePathStyle: true,
	})
	require.NoError(t, err)

	checker := health.New(database, b, store)
	srv := &Server{health: checker}

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	srv.handleHealth(w, r)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var report health.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.False(t, report.Healthy)
}
