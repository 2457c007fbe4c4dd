package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/nodestore"
	"github.com/wolfeidau/nodestore/archive"
	"github.com/wolfeidau/nodestore/codec"
	"github.com/wolfeidau/nodestore/primary/boltstore"
)

type testServer struct {
	*httptest.Server
	engine  *nodestore.Engine
	archive *archive.Filesystem
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	p := boltstore.New(boltstore.WithNoSync(true))
	require.NoError(t, p.Open(filepath.Join(t.TempDir(), "primary.db")))
	t.Cleanup(func() { _ = p.Close() })

	fs, err := archive.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	codecs, err := codec.NewRegistry(codec.Zstd)
	require.NoError(t, err)

	engine, err := nodestore.NewEngine(p, codecs, nodestore.WithArchive(fs, ""))
	require.NoError(t, err)

	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg, engine)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, engine: engine, archive: fs}
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, headers ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func TestNew_RequiresStorage(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestServer_SetGetDelete(t *testing.T) {
	ts := newTestServer(t, Config{})
	value := bytes.Repeat([]byte("node payload "), 50)

	resp := ts.do(t, http.MethodPut, "/nodes/project/1/event", bytes.NewReader(value))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/nodes/project/1/event", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, value, readBody(t, resp))

	resp = ts.do(t, http.MethodDelete, "/nodes/project/1/event", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/nodes/project/1/event", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SetTTLHeader(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp := ts.do(t, http.MethodPut, "/nodes/n1", strings.NewReader("v"), TTLHeader, "24h")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, "/nodes/n1", strings.NewReader("v"), TTLHeader, "tomorrow")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_SetTooLarge(t *testing.T) {
	ts := newTestServer(t, Config{MaxValueSize: 8})

	resp := ts.do(t, http.MethodPut, "/nodes/n1", strings.NewReader("more than eight bytes"))
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServer_GetMigratesFromArchive(t *testing.T) {
	ts := newTestServer(t, Config{})
	require.NoError(t, ts.archive.Put(context.Background(), "e2", &archive.Object{Body: []byte("archived")}))

	resp := ts.do(t, http.MethodGet, "/nodes/e2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("archived"), readBody(t, resp))

	exists, err := ts.archive.Exists(context.Background(), "e2")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestServer_Batch(t *testing.T) {
	ts := newTestServer(t, Config{})
	ctx := context.Background()
	require.NoError(t, ts.engine.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, ts.engine.Set(ctx, "b", []byte("2"), 0))

	resp := ts.do(t, http.MethodPost, "/batch/get", strings.NewReader(`{"ids":["a","b","a","missing"]}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got getMultiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2"), "missing": nil}, got.Nodes)

	resp = ts.do(t, http.MethodPost, "/batch/delete", strings.NewReader(`{"ids":["a","missing"]}`))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, ok, err := ts.engine.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	resp = ts.do(t, http.MethodPost, "/batch/get", strings.NewReader(`not json`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Cleanup(t *testing.T) {
	ts := newTestServer(t, Config{})

	body, err := json.Marshal(cleanupRequest{Cutoff: time.Now()})
	require.NoError(t, err)

	resp := ts.do(t, http.MethodPost, "/cleanup", bytes.NewReader(body))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/cleanup", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, Config{AuthToken: "secret"})

	resp := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(readBody(t, resp)))
}

func TestServer_Auth(t *testing.T) {
	ts := newTestServer(t, Config{AuthToken: "secret"})

	resp := ts.do(t, http.MethodGet, "/nodes/n1", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/nodes/n1", nil, "Authorization", "Bearer secret")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// failingStorage returns err from every operation.
type failingStorage struct {
	err error
}

func (f failingStorage) Get(context.Context, string) ([]byte, bool, error) { return nil, false, f.err }
func (f failingStorage) GetMulti(context.Context, []string) (map[string][]byte, error) {
	return nil, f.err
}
func (f failingStorage) Set(context.Context, string, []byte, time.Duration) error { return f.err }
func (f failingStorage) Delete(context.Context, string) error                     { return f.err }
func (f failingStorage) DeleteMulti(context.Context, []string) error              { return f.err }
func (f failingStorage) Cleanup(context.Context, time.Time) error                 { return f.err }

func TestServer_StorageErrors(t *testing.T) {
	srv, err := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, failingStorage{err: errors.New("connection refused")})
	require.NoError(t, err)

	cases := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/nodes/n1", ""},
		{http.MethodPut, "/nodes/n1", "v"},
		{http.MethodDelete, "/nodes/n1", ""},
		{http.MethodPost, "/batch/get", `{"ids":["a"]}`},
		{http.MethodPost, "/batch/delete", `{"ids":["a"]}`},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			require.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.JSONEq(t, `{"error":"storage error"}`, rec.Body.String())
		})
	}
}

func TestServer_H2C(t *testing.T) {
	ts := newTestServer(t, Config{EnableH2C: true})

	resp := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
