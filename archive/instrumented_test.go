package archive

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedStore_GetDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	require.NoError(t, fs.Put(ctx, "k", &Object{Body: []byte("value")}))

	is := NewInstrumented(fs, "filesystem")
	require.Same(t, Store(fs), is.Unwrap())

	obj, err := is.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("value"), obj.Body)

	require.NoError(t, is.Delete(ctx, "k"))

	_, err = is.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, is.Delete(ctx, "k"), ErrNotFound)
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}
