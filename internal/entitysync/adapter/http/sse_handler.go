package http

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"scout-sync/internal/entitysync/config"
	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/usecase"
	"scout-sync/internal/shared/errors"
	"scout-sync/internal/shared/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventsHandler serves streaming subscriptions as server-sent events. Each
// request is one client of the subscription manager with one subscription.
type EventsHandler struct {
	manager *usecase.SubscriptionManager
	cfg     config.RealtimeConfig
	log     logger.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(manager *usecase.SubscriptionManager, cfg config.RealtimeConfig, log logger.Logger) *EventsHandler {
	return &EventsHandler{
		manager: manager,
		cfg:     cfg,
		log:     logger.OrNop(log).WithComponent("sse_handler"),
	}
}

// RegisterRoutes registers the SSE endpoint.
func (h *EventsHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/v1/collections/:collection/events", h.Stream)
}

// Stream handles GET /v1/collections/:collection/events?filter=&cursor=.
// A reconnecting EventSource resumes from its Last-Event-ID.
func (h *EventsHandler) Stream(c *fiber.Ctx) error {
	collection := c.Params("collection")

	var spec model.FilterSpec
	if raw := c.Query("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return respondError(c, errors.NewValidationError("filter must be a JSON object").WithCause(err))
		}
	}
	cursor := c.Query("cursor")
	if cursor == "" {
		cursor = c.Get("Last-Event-ID")
	}

	sink := usecase.NewChannelSink(h.cfg.ClientSendChannelBuffer)
	clientID, err := h.manager.Connect("", principalFrom(c), sink)
	if err != nil {
		return respondError(c, err)
	}

	ctx := c.UserContext()
	resp, err := h.manager.Subscribe(ctx, usecase.SubscribeRequest{
		ClientID:        clientID,
		SubscriptionID:  uuid.NewString(),
		Collection:      collection,
		Filter:          spec,
		Mode:            model.QueryModeStream,
		ExcludeArchived: c.QueryBool("excludeArchived"),
		ResumeCursor:    cursor,
	})
	if err != nil {
		h.manager.Disconnect(ctx, clientID, nil)
		return respondError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	log := h.log.WithContext(ctx).WithFields(map[string]interface{}{
		"clientId":   clientID,
		"collection": collection,
	})
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer h.manager.Disconnect(context.Background(), clientID, nil)
		if err := h.pump(w, sink, resp); err != nil {
			log.Debug("Event stream ended", zap.Error(err))
		}
	})
	return nil
}

// pump writes the initial state, then changes and heartbeats until the
// client goes away or the sink is closed.
func (h *EventsHandler) pump(w *bufio.Writer, sink *usecase.ChannelSink, resp *usecase.SubscribeResponse) error {
	subID := resp.Subscription.ID
	confirmed := model.ServerMessage{
		Type:           model.MessageTypeSubscribed,
		SubscriptionID: subID,
		Cursor:         resp.Cursor,
		Resumed:        resp.Resumed,
		Resnapshot:     resp.Resnapshot,
	}
	if err := writeSSE(w, confirmed.Type, "", confirmed); err != nil {
		return err
	}
	if !resp.Resumed {
		for rec, err := range resp.Stream {
			if err != nil {
				_ = writeSSE(w, model.MessageTypeError, "", model.ServerMessage{
					Type:           model.MessageTypeError,
					SubscriptionID: subID,
					Error:          errorBody(err),
				})
				_ = w.Flush()
				return err
			}
			if err := writeSSE(w, model.MessageTypeSnapshotRecord, "", model.ServerMessage{
				Type:           model.MessageTypeSnapshotRecord,
				SubscriptionID: subID,
				Record:         rec,
			}); err != nil {
				return err
			}
		}
		if err := writeSSE(w, model.MessageTypeSnapshotEnd, resp.Cursor, model.ServerMessage{
			Type:           model.MessageTypeSnapshotEnd,
			SubscriptionID: subID,
			Cursor:         resp.Cursor,
		}); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case d := <-sink.Deliveries():
			if err := writeSSE(w, model.MessageTypeChange, d.Cursor, changeMessage(d)); err != nil {
				return err
			}
		case <-heartbeat.C:
			if _, err := w.WriteString(": heartbeat\n\n"); err != nil {
				return err
			}
		case <-sink.Done():
			if reason := sink.Err(); reason != nil {
				_ = writeSSE(w, model.MessageTypeDisconnect, "", model.ServerMessage{
					Type:  model.MessageTypeDisconnect,
					Error: errorBody(disconnectError(reason)),
				})
				_ = w.Flush()
				return reason
			}
			return w.Flush()
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

// writeSSE writes one event frame. id, when set, becomes the Last-Event-ID
// a reconnecting EventSource sends back.
func writeSSE(w *bufio.Writer, event, id string, msg model.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// disconnectError describes why the server dropped a client.
func disconnectError(reason error) error {
	if errors.Is(reason, usecase.ErrSlowConsumer) {
		return errors.NewPersistenceError(reason.Error()).WithCode("SLOW_CONSUMER")
	}
	return errors.WrapError(reason, "connection closed by server")
}
