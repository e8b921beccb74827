package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	info, err := store.Put(ctx, "docs/a", strings.NewReader("title deed"), PutOptions{
		ContentType: "application/pdf",
		Metadata:    map[string]string{"entity": "plot"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size)
	assert.Equal(t, DriverMemory, store.Driver())

	got, rc, err := store.Get(ctx, "docs/a")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "title deed", string(body))
	assert.Equal(t, "application/pdf", got.ContentType)

	// Metadata handed out is a copy.
	got.Metadata["entity"] = "changed"
	head, err := store.Head(ctx, "docs/a")
	require.NoError(t, err)
	assert.Equal(t, "plot", head.Metadata["entity"])

	existed, err := store.Delete(ctx, "docs/a")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = store.Delete(ctx, "docs/a")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, 0, store.Len())
}

func TestMemory_Errors(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	_, _, err := store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = store.Head(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = store.Put(ctx, "k", strings.NewReader("1"), PutOptions{})
	require.NoError(t, err)
	_, err = store.Put(ctx, "k", strings.NewReader("2"), PutOptions{})
	assert.True(t, errors.Is(err, ErrExists))
}
