// Package events publishes round settlement notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/wagering/internal/models"
)

// TypeRoundSettled is emitted once per terminal round.
const TypeRoundSettled = "round.settled"

// Event is the payload published on settlement.
type Event struct {
	Type       string          `json:"type"`
	RoundID    uuid.UUID       `json:"round_id"`
	UserID     uuid.UUID       `json:"user_id"`
	Game       string          `json:"game"`
	Asset      string          `json:"asset"`
	Status     string          `json:"status"`
	BetAmount  decimal.Decimal `json:"bet_amount"`
	Payout     decimal.Decimal `json:"payout"`
	Multiplier decimal.Decimal `json:"multiplier"`
	At         time.Time       `json:"at"`
}

// Settled builds the settlement event of a terminal round.
func Settled(r *models.Round) Event {
	rec := models.BetRecordFor(r)
	return Event{
		Type:       TypeRoundSettled,
		RoundID:    rec.RoundID,
		UserID:     rec.UserID,
		Game:       rec.Game,
		Asset:      rec.Asset,
		Status:     rec.Status,
		BetAmount:  rec.BetAmount,
		Payout:     rec.Payout,
		Multiplier: rec.Multiplier,
		At:         rec.SettledAt,
	}
}

// Emitter delivers events to whoever listens.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Emit(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", p.channel, err)
	}
	return nil
}

// LogEmitter writes events to a logger. Used when no Redis is configured.
type LogEmitter struct {
	Logger *slog.Logger
}

func (l LogEmitter) Emit(_ context.Context, e Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("event", "type", e.Type, "round_id", e.RoundID, "user_id", e.UserID,
		"status", e.Status, "payout", e.Payout.String())
	return nil
}
