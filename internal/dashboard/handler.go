package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/classdesk/rollcall/internal/engine"
	"github.com/classdesk/rollcall/internal/queue"
	"github.com/classdesk/rollcall/internal/schema"
)

// Handler bridges sync engine events to dashboard broadcasts. It
// implements engine.Events.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server: server,
		logger: logger,
	}
}

// OnlineChanged broadcasts a connectivity transition. The daemon calls
// this from its transition loop.
func (h *Handler) OnlineChanged(online bool) {
	h.send(MessageTypeConnectivity, ConnectivityData{Online: online})
}

// DrainStarted implements engine.Events.
func (h *Handler) DrainStarted() {}

// DrainFinished implements engine.Events.
func (h *Handler) DrainFinished(summary engine.Summary) {
	h.send(MessageTypeDrainComplete, DrainCompleteData{
		Committed: summary.Committed,
		Retried:   summary.Retried,
		Failed:    summary.Failed,
	})
}

// ItemCommitted implements engine.Events.
func (h *Handler) ItemCommitted(item *queue.Item, _ *schema.Entity) {
	h.send(MessageTypeItemUpdate, ItemUpdateData{
		ItemID:     item.ID,
		Action:     "committed",
		OpKind:     string(item.OpKind),
		EntityKind: string(item.EntityKind),
		EntityID:   item.EntityID,
	})
}

// ItemRetried implements engine.Events.
func (h *Handler) ItemRetried(item *queue.Item, cause error, delay time.Duration) {
	h.send(MessageTypeItemUpdate, ItemUpdateData{
		ItemID:     item.ID,
		Action:     "retried",
		OpKind:     string(item.OpKind),
		EntityKind: string(item.EntityKind),
		EntityID:   item.EntityID,
		Error:      cause.Error(),
		RetryInMs:  delay.Milliseconds(),
	})
}

// ItemFailed implements engine.Events.
func (h *Handler) ItemFailed(item *queue.Item, cause error) {
	h.send(MessageTypeItemUpdate, ItemUpdateData{
		ItemID:     item.ID,
		Action:     "failed",
		OpKind:     string(item.OpKind),
		EntityKind: string(item.EntityKind),
		EntityID:   item.EntityID,
		Error:      cause.Error(),
	})
}

// ConflictResolved implements engine.Events.
func (h *Handler) ConflictResolved(kind schema.EntityKind, id string) {
	h.send(MessageTypeConflict, ConflictData{
		EntityKind: string(kind),
		EntityID:   id,
	})
}

// ReauthRequired implements engine.Events.
func (h *Handler) ReauthRequired() {
	h.send(MessageTypeReauth, nil)
}

// Reconciled implements engine.Events.
func (h *Handler) Reconciled(applied int) {
	if applied == 0 {
		return
	}
	h.send(MessageTypeReconcile, ReconcileData{Applied: applied})
}

func (h *Handler) send(msgType MessageType, data any) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			h.logger.Printf("Failed to marshal %s data: %v", msgType, err)
			return
		}
		raw = encoded
	}

	h.server.Broadcast(Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      raw,
	})
}
