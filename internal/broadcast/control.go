package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// EntityType distinguishes the two subscribable entity namespaces.
type EntityType string

// Subscribable entities.
const (
	EntityProduct EntityType = "product"
	EntityBatch   EntityType = "batch"
)

// ControlKind enumerates the inbound frames the transport understands.
type ControlKind int

// Inbound control kinds.
const (
	ControlUnknown ControlKind = iota
	ControlSubscribeProduct
	ControlSubscribeBatch
	ControlUnsubscribe
	ControlPing
)

// ErrInvalidControl is returned for frames that cannot be interpreted.
var ErrInvalidControl = errors.New("invalid control message")

// Control is a decoded inbound frame.
type Control struct {
	Kind ControlKind
	ID   string
}

type controlFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	// product_id and batch_id are accepted as aliases for id.
	ProductID string `json:"product_id"`
	BatchID   string `json:"batch_id"`
}

// ParseControl decodes a raw inbound frame.
func ParseControl(data []byte) (Control, error) {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	id := strings.TrimSpace(firstNonEmpty(frame.ID, frame.ProductID, frame.BatchID))
	switch frame.Type {
	case "subscribe_product":
		if id == "" {
			return Control{}, fmt.Errorf("%w: subscribe_product requires id", ErrInvalidControl)
		}
		return Control{Kind: ControlSubscribeProduct, ID: id}, nil
	case "subscribe_batch":
		if id == "" {
			return Control{}, fmt.Errorf("%w: subscribe_batch requires id", ErrInvalidControl)
		}
		return Control{Kind: ControlSubscribeBatch, ID: id}, nil
	case "unsubscribe":
		if id == "" {
			return Control{}, fmt.Errorf("%w: unsubscribe requires id", ErrInvalidControl)
		}
		return Control{Kind: ControlUnsubscribe, ID: id}, nil
	case "ping":
		return Control{Kind: ControlPing}, nil
	case "":
		return Control{}, fmt.Errorf("%w: missing type", ErrInvalidControl)
	default:
		return Control{}, fmt.Errorf("%w: unknown type %q", ErrInvalidControl, frame.Type)
	}
}

// HandleControl interprets one inbound frame from conn. Malformed frames are
// answered with an error event on the same connection; the connection stays
// open. The returned error is non-nil only when the reply could not be written.
func (b *Broadcaster) HandleControl(ctx context.Context, conn *Connection, data []byte) error {
	ctrl, err := ParseControl(data)
	if err != nil {
		b.logger.Debug("rejecting control frame", zap.String("conn_id", conn.ID()), zap.Error(err))
		return b.SendTo(ctx, conn, ErrorEvent{Error: err.Error()})
	}
	switch ctrl.Kind {
	case ControlSubscribeProduct:
		return b.subscribeAndAck(ctx, conn, EntityProduct, ctrl.ID)
	case ControlSubscribeBatch:
		return b.subscribeAndAck(ctx, conn, EntityBatch, ctrl.ID)
	case ControlUnsubscribe:
		b.Unsubscribe(conn, ctrl.ID)
		return nil
	case ControlPing:
		return b.SendTo(ctx, conn, Pong{})
	default:
		return b.SendTo(ctx, conn, ErrorEvent{Error: ErrInvalidControl.Error()})
	}
}

func (b *Broadcaster) subscribeAndAck(ctx context.Context, conn *Connection, entity EntityType, id string) error {
	if !b.Subscribe(conn, id) {
		return ErrConnectionClosed
	}
	return b.SendTo(ctx, conn, Subscribed{Entity: entity, ID: id})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
