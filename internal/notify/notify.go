package notify

import (
	"context"
	"fmt"

	"github.com/JakeFAU/product-3d-pipeline/internal/config"
	"github.com/JakeFAU/product-3d-pipeline/internal/notify/memory"
	"github.com/JakeFAU/product-3d-pipeline/internal/notify/pubsub"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// New builds the Notifier named by cfg.Provider. The cleanup flushes and
// closes any client the notifier owns.
func New(ctx context.Context, cfg config.NotifyConfig) (pipeline.Notifier, func() error, error) {
	switch cfg.Provider {
	case "", "memory":
		return memory.New(), func() error { return nil }, nil
	case "pubsub":
		n, err := pubsub.Dial(ctx, cfg.ProjectID, cfg.TopicName)
		if err != nil {
			return nil, nil, err
		}
		return n, n.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported notify provider %q", cfg.Provider)
	}
}
