package session

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maestro-chat/server/internal/agent/conversations"
	"github.com/maestro-chat/server/internal/agent/model"
	"github.com/maestro-chat/server/internal/agent/request"
	errx "github.com/maestro-chat/server/internal/core/error"
	logx "github.com/maestro-chat/server/pkg/logger"
)

// Completer answers one assembled request. Implementations perform a single
// exchange and report failures as errors; they never retry.
type Completer interface {
	Complete(ctx context.Context, req request.Payload) (string, error)
}

// Option customises a conversation.
type Option func(*Conversation)

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(c *Conversation) { c.now = now }
}

// WithID sets the conversation id. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(c *Conversation) { c.id = id }
}

// Conversation is the state machine behind one chat. History, pending and
// error are published through State holders and change only here.
//
// Submissions that arrive while an exchange is in flight are queued: each
// captures its window when submitted and the replies land in submission
// order. Pending stays true until the queue drains.
type Conversation struct {
	id        string
	policy    model.Policy
	window    *conversations.WindowBuilder
	completer Completer
	now       func() time.Time
	log       zerolog.Logger

	mu       sync.Mutex
	history  []model.Message
	tail     chan struct{} // closed when the last queued exchange settles
	inFlight int
	wg       sync.WaitGroup

	messages *State[[]model.Message]
	pending  *State[bool]
	errState *State[string]
}

// New creates a conversation seeded with the policy greeting.
func New(completer Completer, policy model.Policy, opts ...Option) (*Conversation, error) {
	if completer == nil {
		return nil, fmt.Errorf("completer is nil")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid conversation policy: %w", err)
	}

	c := &Conversation{
		policy:    policy,
		window:    conversations.NewWindowBuilder(policy),
		completer: completer,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	c.log = logx.Component("session").With().Str("conversation_id", c.id).Logger()

	c.history = c.seed()
	c.messages = NewState(c.history)
	c.pending = NewState(false)
	c.errState = NewState("")
	return c, nil
}

func (c *Conversation) ID() string {
	return c.id
}

// Messages publishes the history. Every published slice is a fresh value
// and must not be modified by readers.
func (c *Conversation) Messages() *State[[]model.Message] {
	return c.messages
}

// Pending publishes whether a completion exchange is in flight.
func (c *Conversation) Pending() *State[bool] {
	return c.pending
}

// Error publishes the banner text of the last failure, or "" when clear.
func (c *Conversation) Error() *State[string] {
	return c.errState
}

// Snapshot returns a consistent view of all three holders.
func (c *Conversation) Snapshot() model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.Snapshot{
		ConversationID: c.id,
		Messages:       c.history,
		Pending:        c.inFlight > 0,
		Error:          c.errState.Get(),
	}
}

// Submit appends a user turn and starts its exchange in the background.
// Blank text is ignored and reported as false. The exchange outlives ctx
// cancellation; values carried by ctx are kept for logging and callbacks.
func (c *Conversation) Submit(ctx context.Context, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	c.mu.Lock()
	c.appendLocked(model.UserMessage(text, c.now()))
	c.errState.set("")

	payload := request.Assemble(c.window.Build(c.history), c.policy.Generation)

	prev := c.tail
	done := make(chan struct{})
	c.tail = done
	c.inFlight++
	c.pending.set(true)
	c.wg.Add(1)
	queued := c.inFlight
	c.mu.Unlock()

	c.log.Debug().Int("turns", len(payload.Messages)).Int("queued", queued).Msg("exchange submitted")

	go c.exchange(context.WithoutCancel(ctx), payload, prev, done)
	return true
}

func (c *Conversation) exchange(ctx context.Context, payload request.Payload, prev <-chan struct{}, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	if prev != nil {
		<-prev
	}

	start := time.Now()
	reply, err := c.completer.Complete(ctx, payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		cerr := errx.Classify(err)
		c.log.Error().Err(err).
			Str("kind", cerr.Kind.String()).
			Dur("duration", time.Since(start)).
			Msg("exchange failed")
		c.errState.set(cerr.Message())
		c.appendLocked(model.AssistantMessage(c.policy.FailureReply, c.now()))
	} else {
		c.log.Debug().Dur("duration", time.Since(start)).Int("reply_len", len(reply)).Msg("exchange completed")
		c.appendLocked(model.AssistantMessage(reply, c.now()))
	}

	c.inFlight--
	if c.inFlight == 0 {
		c.pending.set(false)
	}
}

// DismissError clears the error banner. History is untouched.
func (c *Conversation) DismissError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errState.set("")
}

// Reset restores the seed greeting and clears the error. Exchanges already
// in flight still append their replies to the reset history.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = c.seed()
	c.messages.set(c.history)
	c.errState.set("")
	c.log.Info().Int("in_flight", c.inFlight).Msg("conversation reset")
}

// Wait blocks until every submitted exchange has settled.
func (c *Conversation) Wait() {
	c.wg.Wait()
}

func (c *Conversation) seed() []model.Message {
	return []model.Message{model.AssistantMessage(c.policy.Greeting, c.now())}
}

// appendLocked publishes a new history slice; earlier slices stay valid
// for readers that still hold them.
func (c *Conversation) appendLocked(msg model.Message) {
	c.history = append(slices.Clip(c.history), msg)
	c.messages.set(c.history)
}
