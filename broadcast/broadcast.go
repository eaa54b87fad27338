// Package broadcast publishes session events to every server instance over
// Redis pub/sub. Delivery is fire-and-forget and at-most-once: subscribers
// that are not listening when a message is published never see it.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/zlnvch/drawcast/models"
)

// PresenceChannel is the channel name clients subscribe to; every session
// gets its own scoped copy of it.
const PresenceChannel = "drawing"

// UserDeletedChannel carries account deletions so every instance can close
// the deleted user's connections.
const UserDeletedChannel = "user-deleted"

type PubSub interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error
}

type Options struct {
	// ExcludeSocketId keeps the event from the connection that caused it.
	ExcludeSocketId string
}

type Gateway struct {
	pubsub PubSub
	logger *slog.Logger
}

func NewGateway(pubsub PubSub, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{pubsub: pubsub, logger: logger.With("component", "broadcast")}
}

func Channel(sessionId string) string {
	return PresenceChannel + ":" + sessionId
}

// NewEventPayload builds the {type, data, userId} payload of a drawing-event.
// An empty user id is sent as null.
func NewEventPayload(event models.SessionEvent) models.EventPayload {
	payload := models.EventPayload{Type: event.Type, Data: event.Data}
	if payload.Data == nil {
		payload.Data = map[string]any{}
	}
	if event.UserId != "" {
		userId := event.UserId
		payload.UserId = &userId
	}
	return payload
}

func encodeEnvelope(event string, sessionId string, payload any, opts Options) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}

	return json.Marshal(models.Envelope{
		Event:           event,
		SessionId:       sessionId,
		ExcludeSocketId: opts.ExcludeSocketId,
		Payload:         raw,
	})
}

// Publish sends a drawing-event to all current subscribers of the session.
func (g *Gateway) Publish(ctx context.Context, event models.SessionEvent, opts Options) error {
	message, err := encodeEnvelope(models.EventDrawing, event.SessionId, NewEventPayload(event), opts)
	if err != nil {
		return err
	}

	if err := g.pubsub.Publish(ctx, Channel(event.SessionId), message); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Type, event.SessionId, err)
	}

	g.logger.Debug("published", "sessionId", event.SessionId, "type", event.Type, "excludeSocketId", opts.ExcludeSocketId)
	return nil
}

// PublishPresence announces a member joining (member_added) or leaving
// (member_removed) the session.
func (g *Gateway) PublishPresence(ctx context.Context, sessionId string, eventType string, member models.Member) error {
	if eventType != models.EventMemberAdded && eventType != models.EventMemberRemoved {
		return fmt.Errorf("unknown presence event %q", eventType)
	}

	message, err := encodeEnvelope(eventType, sessionId, member, Options{})
	if err != nil {
		return err
	}

	if err := g.pubsub.Publish(ctx, Channel(sessionId), message); err != nil {
		return fmt.Errorf("publish %s to %s: %w", eventType, sessionId, err)
	}
	return nil
}

// Subscribe calls handler for every envelope published to the session until
// ctx is done. Undecodable messages are logged and skipped.
func (g *Gateway) Subscribe(ctx context.Context, sessionId string, handler func(models.Envelope)) error {
	return g.pubsub.Subscribe(ctx, Channel(sessionId), func(message []byte) {
		var envelope models.Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			g.logger.Warn("dropping malformed envelope", "sessionId", sessionId, "error", err)
			return
		}
		handler(envelope)
	})
}

type userDeletedMessage struct {
	UserId string `json:"userId"`
}

func (g *Gateway) PublishUserDeleted(ctx context.Context, userId string) error {
	message, err := json.Marshal(userDeletedMessage{UserId: userId})
	if err != nil {
		return err
	}
	return g.pubsub.Publish(ctx, UserDeletedChannel, message)
}

func (g *Gateway) SubscribeUserDeleted(ctx context.Context, handler func(userId string)) error {
	return g.pubsub.Subscribe(ctx, UserDeletedChannel, func(message []byte) {
		var msg userDeletedMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.UserId == "" {
			g.logger.Warn("dropping malformed user-deleted message", "error", err)
			return
		}
		handler(msg.UserId)
	})
}

// clientMessage is the frame a websocket client receives for an envelope.
type clientMessage struct {
	Type      string          `json:"type"`
	SessionId string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

// ClientFrame renders an envelope as the websocket frame sent to clients.
func ClientFrame(envelope models.Envelope) ([]byte, error) {
	data := envelope.Payload
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(clientMessage{Type: envelope.Event, SessionId: envelope.SessionId, Data: data})
}
