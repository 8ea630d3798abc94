package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-3d-pipeline/internal/config"
)

func TestNewSelectsProvider(t *testing.T) {
	t.Parallel()

	store, cleanup, err := New(context.Background(), config.BlobConfig{Provider: "memory"})
	require.NoError(t, err)
	require.NoError(t, cleanup())
	uri, err := store.PutObject(context.Background(), "a/b.png", "image/png", strings.NewReader("x"))
	require.NoError(t, err)
	require.Equal(t, "memory://a/b.png", uri)

	_, _, err = New(context.Background(), config.BlobConfig{Provider: "local", BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, _, err = New(context.Background(), config.BlobConfig{Provider: "s3"})
	require.Error(t, err)
}
