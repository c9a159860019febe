package services

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"casesync/internal/database"
	"casesync/internal/models"
)

// SessionEventPublisher relays "session updated from remote" events to the
// websocket hub through Redis pub/sub.
type SessionEventPublisher struct {
	redis *redis.Client
}

func NewSessionEventPublisher(redisClient *redis.Client) *SessionEventPublisher {
	return &SessionEventPublisher{redis: redisClient}
}

func (p *SessionEventPublisher) SessionUpdated(ctx context.Context, userID, sessionID string) {
	data, err := json.Marshal(models.WSMessage{
		Type:    models.EventSessionUpdatedFromRemote,
		Payload: models.SessionUpdatedEvent{SessionID: sessionID},
	})
	if err != nil {
		slog.Error("Failed to encode session event", "session_id", sessionID, "error", err)
		return
	}
	if err := p.redis.Publish(ctx, database.UserUpdatesChannel(userID), string(data)).Err(); err != nil {
		slog.Warn("Failed to publish session event", "user_id", userID, "session_id", sessionID, "error", err)
	}
}
