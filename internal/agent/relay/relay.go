package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/maestro-chat/server/internal/agent/model"
	"github.com/maestro-chat/server/internal/agent/session"
	errx "github.com/maestro-chat/server/internal/core/error"
	logx "github.com/maestro-chat/server/pkg/logger"
)

// Store is the subset of *redis.Client the relay writes through.
type Store interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// opTimeout bounds each Redis write. Writes are detached from the Run
// context so a change consumed before shutdown is still delivered.
const opTimeout = 2 * time.Second

type EventType string

const (
	EventMessages EventType = "messages"
	EventPending  EventType = "pending"
	EventError    EventType = "error"
)

// Event is published on Channel(id) for every state change.
type Event struct {
	ConversationID string          `json:"conversation_id"`
	Type           EventType       `json:"type"`
	Messages       []model.Message `json:"messages,omitempty"`
	Pending        *bool           `json:"pending,omitempty"`
	Error          *string         `json:"error,omitempty"`
	At             int64           `json:"at"`
}

// Relay mirrors conversation state into Redis for presenters running in
// other processes: every change is published as an Event and the current
// history is kept under TranscriptKey(id). Redis failures are logged and
// never reach the conversation.
type Relay struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger
}

func New(store Store, ttl time.Duration) *Relay {
	return &Relay{
		store: store,
		ttl:   ttl,
		now:   time.Now,
		log:   logx.Component("relay"),
	}
}

func Channel(conversationID string) string {
	return fmt.Sprintf("conversation:%s:events", conversationID)
}

func TranscriptKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:messages", conversationID)
}

// Run forwards state changes of conv until ctx is done.
func (r *Relay) Run(ctx context.Context, conv *session.Conversation) {
	id := conv.ID()
	messages, cancelMessages := conv.Messages().Subscribe()
	defer cancelMessages()
	pending, cancelPending := conv.Pending().Subscribe()
	defer cancelPending()
	errs, cancelErrs := conv.Error().Subscribe()
	defer cancelErrs()

	r.log.Debug().Str("conversation_id", id).Str("channel", Channel(id)).Msg("relay attached")
	defer r.log.Debug().Str("conversation_id", id).Msg("relay detached")

	for {
		select {
		case <-ctx.Done():
			r.flush(ctx, id, messages, pending, errs)
			return
		case m := <-messages:
			r.forwardMessages(ctx, id, m)
		case p := <-pending:
			r.publish(ctx, Event{ConversationID: id, Type: EventPending, Pending: &p})
		case e := <-errs:
			r.publish(ctx, Event{ConversationID: id, Type: EventError, Error: &e})
		}
	}
}

// flush forwards values that changed after the last loop iteration but
// were not read before ctx ended.
func (r *Relay) flush(ctx context.Context, id string, messages <-chan []model.Message, pending <-chan bool, errs <-chan string) {
	select {
	case m := <-messages:
		r.forwardMessages(ctx, id, m)
	default:
	}
	select {
	case e := <-errs:
		r.publish(ctx, Event{ConversationID: id, Type: EventError, Error: &e})
	default:
	}
	select {
	case p := <-pending:
		r.publish(ctx, Event{ConversationID: id, Type: EventPending, Pending: &p})
	default:
	}
}

func (r *Relay) forwardMessages(ctx context.Context, id string, m []model.Message) {
	r.publish(ctx, Event{ConversationID: id, Type: EventMessages, Messages: m})
	r.mirror(ctx, id, m)
}

func (r *Relay) publish(ctx context.Context, ev Event) {
	ev.At = r.now().UnixMilli()
	b, err := json.Marshal(ev)
	if err != nil {
		r.log.Error().Err(err).Str("conversation_id", ev.ConversationID).Msg("failed to marshal event")
		return
	}
	channel := Channel(ev.ConversationID)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()
	if err := r.store.Publish(ctx, channel, b).Err(); err != nil {
		r.log.Warn().Err(errx.WrapRedis(err)).Str("channel", channel).Str("type", string(ev.Type)).Msg("failed to publish event")
	}
}

// mirror replaces the stored transcript with history in one transaction,
// so readers never observe a partially rewritten list.
func (r *Relay) mirror(ctx context.Context, conversationID string, history []model.Message) {
	key := TranscriptKey(conversationID)

	rows := make([]interface{}, 0, len(history))
	for _, m := range history {
		b, err := json.Marshal(m)
		if err != nil {
			r.log.Error().Err(err).Str("key", key).Msg("failed to marshal message")
			return
		}
		rows = append(rows, b)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()

	var expire *redis.BoolCmd
	_, err := r.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(rows) > 0 {
			pipe.RPush(ctx, key, rows...)
			if r.ttl > 0 {
				expire = pipe.Expire(ctx, key, r.ttl)
			}
		}
		return nil
	})
	if err != nil {
		r.log.Warn().Err(errx.WrapRedis(err)).Str("key", key).Msg("failed to mirror transcript")
		return
	}
	if expire != nil && !expire.Val() {
		r.log.Warn().Str("key", key).Dur("ttl", r.ttl).Msg("failed to set TTL on transcript key")
	}
}

// Transcript loads the mirrored history of a conversation. A missing key
// yields an empty history.
func (r *Relay) Transcript(ctx context.Context, conversationID string) ([]model.Message, error) {
	key := TranscriptKey(conversationID)
	rows, err := r.store.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []model.Message{}, nil
		}
		r.log.Error().Err(err).Str("key", key).Msg("failed to load transcript")
		return nil, errx.WrapRedis(err)
	}

	msgs := make([]model.Message, 0, len(rows))
	for i, s := range rows {
		var m model.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			r.log.Error().Err(err).Str("key", key).Int("index", i).Msg("failed to unmarshal message")
			return nil, fmt.Errorf("unmarshal message at index %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
