// Package relay turns one chat request into an ordered sequence of reply
// chunks from an upstream provider.
//
// Stream returns a pull iterator: chunks are produced on the caller's
// goroutine as the consumer asks for them, so the consumer sees them in
// exactly the order the provider emitted them. Stopping the iteration early
// closes the upstream stream.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"
)

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New("relay: invalid request")

// ErrEmptyReply is the cause of the UpstreamError yielded when the provider
// finishes a turn without producing a single chunk.
var ErrEmptyReply = errors.New("upstream returned an empty reply")

// ValidationError rejects a request that must not be sent upstream.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string        { return e.Reason }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
func (e *ValidationError) Kind() string         { return "ValidationError" }

// UpstreamError wraps any failure of the upstream provider, whether it
// happened while opening the stream or mid-way through it.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }
func (e *UpstreamError) Kind() string  { return "UpstreamError" }

// Options carries prior-turn context. Unknown fields are preserved in Extra.
type Options struct {
	ConversationID  string
	ParentMessageID string
	Extra           map[string]json.RawMessage
}

func (o *Options) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for key, dst := range map[string]*string{
		"conversationId":  &o.ConversationID,
		"parentMessageId": &o.ParentMessageID,
	} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		delete(raw, key)
		if string(v) == "null" {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("options.%s: %w", key, err)
		}
	}
	if len(raw) > 0 {
		o.Extra = raw
	}
	return nil
}

func (o Options) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(o.Extra)+2)
	for k, v := range o.Extra {
		out[k] = v
	}
	if o.ConversationID != "" {
		out["conversationId"] = o.ConversationID
	}
	if o.ParentMessageID != "" {
		out["parentMessageId"] = o.ParentMessageID
	}
	return json.Marshal(out)
}

// ChatRequest is the body of a chat-process call.
type ChatRequest struct {
	Prompt        string  `json:"prompt"`
	Options       Options `json:"options"`
	SystemMessage string  `json:"systemMessage,omitempty"`
}

// Validate reports ErrValidation for a request that must not reach the
// provider.
func (r *ChatRequest) Validate() error {
	if r.Prompt == "" {
		return &ValidationError{Reason: "prompt required"}
	}
	return nil
}

// Chunk is one incremental piece of the assistant's reply. Text holds the
// reply so far; Delta holds what this chunk added.
type Chunk struct {
	ID              string          `json:"id,omitempty"`
	ConversationID  string          `json:"conversationId,omitempty"`
	ParentMessageID string          `json:"parentMessageId,omitempty"`
	Role            string          `json:"role,omitempty"`
	Text            string          `json:"text"`
	Delta           string          `json:"delta,omitempty"`
	Detail          json.RawMessage `json:"detail,omitempty"`
}

// Prompt is what the relay hands to a Provider for one turn.
type Prompt struct {
	Text            string
	ConversationID  string
	ParentMessageID string
	SystemMessage   string
	// UserID scopes any conversation state the provider keeps.
	UserID string
}

// ChunkStream is an open upstream reply. Recv returns io.EOF once the turn
// is complete.
type ChunkStream interface {
	Recv() (*Chunk, error)
	Close() error
}

// Provider opens upstream reply streams.
type Provider interface {
	Stream(ctx context.Context, p Prompt) (ChunkStream, error)
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger for relay events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// WithTimeout bounds the duration of a whole turn. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Relay) { r.timeout = d }
}

// WithSystemMessage sets the system message used when a request does not
// carry its own.
func WithSystemMessage(msg string) Option {
	return func(r *Relay) { r.systemMessage = msg }
}

// Relay forwards chat requests to a Provider.
type Relay struct {
	provider      Provider
	log           *slog.Logger
	timeout       time.Duration
	systemMessage string
}

// New creates a Relay.
func New(p Provider, opts ...Option) (*Relay, error) {
	if p == nil {
		return nil, errors.New("relay: provider is required")
	}
	r := &Relay{provider: p, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Stream relays one turn for userID. The sequence yields every chunk once in
// arrival order. On failure it yields a single error, either a
// *ValidationError or an *UpstreamError, and ends. Normal completion simply
// ends the sequence.
func (r *Relay) Stream(ctx context.Context, userID string, req ChatRequest) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		if err := req.Validate(); err != nil {
			r.log.DebugContext(ctx, "relay.validate.fail", slog.String("err", err.Error()))
			yield(nil, err)
			return
		}

		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}

		sys := req.SystemMessage
		if sys == "" {
			sys = r.systemMessage
		}

		start := time.Now()
		stream, err := r.provider.Stream(ctx, Prompt{
			Text:            req.Prompt,
			ConversationID:  req.Options.ConversationID,
			ParentMessageID: req.Options.ParentMessageID,
			SystemMessage:   sys,
			UserID:          userID,
		})
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				r.log.DebugContext(ctx, "relay.validate.fail", slog.String("err", err.Error()))
				yield(nil, verr)
				return
			}
			r.log.ErrorContext(ctx, "relay.open.fail", slog.String("err", err.Error()))
			yield(nil, &UpstreamError{Err: upstreamCause(ctx, err)})
			return
		}
		defer func() {
			if err := stream.Close(); err != nil {
				r.log.DebugContext(ctx, "relay.close.fail", slog.String("err", err.Error()))
			}
		}()

		var n int
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				if n == 0 {
					r.log.WarnContext(ctx, "relay.empty", slog.Duration("dur", time.Since(start)))
					yield(nil, &UpstreamError{Err: ErrEmptyReply})
					return
				}
				r.log.InfoContext(ctx, "relay.done", slog.Int("chunks", n), slog.Duration("dur", time.Since(start)))
				return
			}
			if err != nil {
				r.log.ErrorContext(ctx, "relay.recv.fail",
					slog.Int("chunks", n),
					slog.String("err", err.Error()),
				)
				yield(nil, &UpstreamError{Err: upstreamCause(ctx, err)})
				return
			}
			n++
			if !yield(chunk, nil) {
				r.log.InfoContext(ctx, "relay.abandoned", slog.Int("chunks", n), slog.Duration("dur", time.Since(start)))
				return
			}
		}
	}
}

// upstreamCause prefers the context error when the turn ran out of time or
// was canceled, since providers often report that as an opaque I/O error.
func upstreamCause(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		return fmt.Errorf("%w: %w", cerr, err)
	}
	return err
}
