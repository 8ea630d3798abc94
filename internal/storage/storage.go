// Package storage selects the blob backend that holds background-removed
// cutouts and generated models.
package storage

import (
	"context"
	"fmt"

	gcsclient "cloud.google.com/go/storage"

	"github.com/JakeFAU/product-3d-pipeline/internal/config"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
	"github.com/JakeFAU/product-3d-pipeline/internal/storage/gcs"
	"github.com/JakeFAU/product-3d-pipeline/internal/storage/local"
	"github.com/JakeFAU/product-3d-pipeline/internal/storage/memory"
)

// New builds the BlobStore named by cfg.Provider. The returned cleanup closes
// any client the store owns.
func New(ctx context.Context, cfg config.BlobConfig) (pipeline.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Provider {
	case "", "memory":
		return memory.NewBlobStore(), noop, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return store, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported blob provider %q", cfg.Provider)
	}
}
