package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/nodestore/archive"
)

type mockObject struct {
	body     []byte
	encoding string
}

type mockClient struct {
	mu        sync.Mutex
	objects   map[string]mockObject
	headErr   error
	deleteErr error
	getErr    error
	deletes   int
}

func newMockClient() *mockClient {
	return &mockClient{objects: map[string]mockObject{}}
}

func (m *mockClient) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	obj, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	out := &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.body))}
	if obj.encoding != "" {
		out.ContentEncoding = aws.String(obj.encoding)
	}
	return out, nil
}

func (m *mockClient) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headErr != nil {
		return nil, m.headErr
	}
	if _, ok := m.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *mockClient) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	m.deletes++
	delete(m.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestStoreGet(t *testing.T) {
	ctx := context.Background()
	client := newMockClient()
	client.objects["nodes/e2"] = mockObject{body: []byte("cold"), encoding: ""}
	client.objects["nodes/e3"] = mockObject{body: []byte{0x28, 0xb5}, encoding: "zstd"}
	store := NewFromClient(client, "bucket")
	require.Equal(t, "bucket", store.Bucket())

	t.Run("raw object", func(t *testing.T) {
		obj, err := store.Get(ctx, "nodes/e2")
		require.NoError(t, err)
		require.Equal(t, []byte("cold"), obj.Body)
		require.Empty(t, obj.ContentEncoding)
	})

	t.Run("encoding travels as metadata", func(t *testing.T) {
		obj, err := store.Get(ctx, "nodes/e3")
		require.NoError(t, err)
		require.Equal(t, "zstd", obj.ContentEncoding)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := store.Get(ctx, "nodes/missing")
		require.ErrorIs(t, err, archive.ErrNotFound)
	})
}

func TestStoreGet_TransportError(t *testing.T) {
	client := newMockClient()
	client.getErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}

	_, err := NewFromClient(client, "bucket").Get(context.Background(), "k")
	require.Error(t, err)
	require.NotErrorIs(t, err, archive.ErrNotFound)

	var apiErr smithy.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "AccessDenied", apiErr.ErrorCode())
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	client := newMockClient()
	client.objects["k"] = mockObject{body: []byte("v")}
	store := NewFromClient(client, "bucket")

	require.NoError(t, store.Delete(ctx, "k"))
	require.Equal(t, 1, client.deletes)

	// Missing key is reported without issuing a delete.
	require.ErrorIs(t, store.Delete(ctx, "k"), archive.ErrNotFound)
	require.Equal(t, 1, client.deletes)
}

func TestStoreDelete_NoSuchKeyOnDelete(t *testing.T) {
	client := newMockClient()
	client.objects["k"] = mockObject{body: []byte("v")}
	client.deleteErr = &smithy.GenericAPIError{Code: "NoSuchKey"}

	err := NewFromClient(client, "bucket").Delete(context.Background(), "k")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestStoreDelete_TransportError(t *testing.T) {
	client := newMockClient()
	client.headErr = &smithy.GenericAPIError{Code: "NoSuchBucket"}

	err := NewFromClient(client, "bucket").Delete(context.Background(), "k")
	require.Error(t, err)
	require.NotErrorIs(t, err, archive.ErrNotFound)
}

func TestIsNotFound(t *testing.T) {
	require.True(t, isNotFound(&types.NoSuchKey{}))
	require.True(t, isNotFound(&types.NotFound{}))
	require.True(t, isNotFound(&smithy.GenericAPIError{Code: "NotFound"}))
	require.False(t, isNotFound(&smithy.GenericAPIError{Code: "NoSuchBucket"}))
	require.False(t, isNotFound(errors.New("connection reset")))
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

// fakeS3 serves path-style GET, HEAD and DELETE object requests from memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]mockObject
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/bucket/")
	obj, ok := f.objects[key]

	switch r.Method {
	case http.MethodGet:
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		if obj.encoding != "" {
			w.Header().Set("Content-Encoding", obj.encoding)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(obj.body)
	case http.MethodHead:
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestNew_AgainstEndpoint(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))

	fake := &fakeS3{objects: map[string]mockObject{
		"nodestore/e2": {body: []byte("cold")},
	}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	store, err := New(ctx, Config{
		Bucket:          "bucket",
		Endpoint:        srv.URL,
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
		RetryAttempts:   1,
	})
	require.NoError(t, err)

	key := archive.Key("nodestore", "e2")
	obj, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("cold"), obj.Body)

	require.NoError(t, store.Delete(ctx, key))

	_, err = store.Get(ctx, key)
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.ErrorIs(t, store.Delete(ctx, key), archive.ErrNotFound)
}
