package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsLookupToNA(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, LookupNA, tags.Lookup)
	require.Empty(t, tags.Endpoint)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetEndpoint(t *testing.T) {
	r := newTaggedRequest()
	SetEndpoint(r, "get")
	require.Equal(t, "get", GetTags(r).Endpoint)
}

func TestSetEndpoint_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetEndpoint(r, "get") // should not panic
}

func TestRecordLookup_TagsRequest(t *testing.T) {
	r := newTaggedRequest()

	RecordLookup(r.Context(), "single", LookupArchive)
	require.Equal(t, LookupArchive, GetTags(r).Lookup)

	// Batched lookups answer many ids and leave the tag alone.
	RecordLookup(r.Context(), "multi", LookupPrimary)
	require.Equal(t, LookupArchive, GetTags(r).Lookup)
}

func TestRecordLookup_NoTags(t *testing.T) {
	RecordLookup(context.Background(), "single", LookupMiss) // should not panic
}
