// Package memory records notifications in process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// Notifier stores published notifications for inspection.
type Notifier struct {
	mu       sync.RWMutex
	messages []pipeline.Notification
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Notify records the notification and returns a pseudo ID.
func (n *Notifier) Notify(_ context.Context, msg pipeline.Notification) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return fmt.Sprintf("memory-%d", len(n.messages)), nil
}

// Messages returns the recorded notifications.
func (n *Notifier) Messages() []pipeline.Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]pipeline.Notification, len(n.messages))
	copy(out, n.messages)
	return out
}
