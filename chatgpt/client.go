// Package chatgpt is the upstream conversation provider backed by the OpenAI
// chat completions API.
//
// Each turn is persisted so a later request can continue the thread by
// naming the previous assistant message as its parent. The prompt sent
// upstream is rebuilt from that chain and trimmed to fit the model's context
// window.
package chatgpt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/ggoodman/chat-relay-go/relay"
	"github.com/ggoodman/chat-relay-go/settings"
	"github.com/ggoodman/chat-relay-go/storage"
)

const (
	DefaultModel             = openai.GPT3Dot5Turbo
	DefaultMaxModelTokens    = 4096
	DefaultMaxResponseTokens = 1000
	DefaultMessageTTL        = 30 * 24 * time.Hour
)

// ErrNoAPIKey is returned when neither the configuration nor the system
// settings provide an API key.
var ErrNoAPIKey = errors.New("chatgpt: no API key configured")

// Config holds the static upstream configuration.
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	MaxModelTokens    int
	MaxResponseTokens int
	MessageTTL        time.Duration
}

func (c *Config) setDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxModelTokens <= 0 {
		c.MaxModelTokens = DefaultMaxModelTokens
	}
	if c.MaxResponseTokens <= 0 {
		c.MaxResponseTokens = DefaultMaxResponseTokens
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = DefaultMessageTTL
	}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for upstream events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithSettings lets the system settings override the model and API keys at
// call time.
func WithSettings(s settings.Store) Option {
	return func(c *Client) { c.settings = s }
}

// WithTokenCounter replaces the tiktoken-based counter.
func WithTokenCounter(tc TokenCounter) Option {
	return func(c *Client) { c.count = tc }
}

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client implements relay.Provider.
type Client struct {
	cfg        Config
	messages   *messageStore
	settings   settings.Store
	count      TokenCounter
	httpClient *http.Client
	log        *slog.Logger

	keyIdx atomic.Uint64

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// New creates a Client that stores conversation turns in s.
func New(cfg Config, s storage.Storage, opts ...Option) (*Client, error) {
	if s == nil {
		return nil, errors.New("chatgpt: storage is required")
	}
	cfg.setDefaults()
	if cfg.MaxResponseTokens >= cfg.MaxModelTokens {
		return nil, fmt.Errorf("chatgpt: max response tokens (%d) must be below max model tokens (%d)", cfg.MaxResponseTokens, cfg.MaxModelTokens)
	}

	c := &Client{
		cfg:      cfg,
		messages: &messageStore{s: s, ttl: cfg.MessageTTL},
		log:      slog.New(slog.DiscardHandler),
		clients:  make(map[string]*openai.Client),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.count == nil {
		c.count = TiktokenCounter()
	}
	return c, nil
}

func (c *Client) client(key string) *openai.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if oc, ok := c.clients[key]; ok {
		return oc
	}
	occ := openai.DefaultConfig(key)
	if c.cfg.BaseURL != "" {
		occ.BaseURL = c.cfg.BaseURL
	}
	if c.httpClient != nil {
		occ.HTTPClient = c.httpClient
	}
	oc := openai.NewClientWithConfig(occ)
	c.clients[key] = oc
	return oc
}

// resolve picks the model and API key for one call, letting the system
// settings override the static configuration.
func (c *Client) resolve(ctx context.Context) (model, key string, err error) {
	model, key = c.cfg.Model, c.cfg.APIKey
	if c.settings == nil {
		return model, key, nil
	}
	s, err := c.settings.Get(ctx)
	if err != nil {
		return "", "", fmt.Errorf("chatgpt: settings: %w", err)
	}
	if len(s.ChatGPTModel) > 0 && s.ChatGPTModel[0] != "" {
		model = s.ChatGPTModel[0]
	}
	if n := len(s.OpenAIAPIKeys); n > 0 {
		key = s.OpenAIAPIKeys[(c.keyIdx.Add(1)-1)%uint64(n)]
	}
	return model, key, nil
}

// Stream starts one turn upstream.
func (c *Client) Stream(ctx context.Context, p relay.Prompt) (relay.ChunkStream, error) {
	model, key, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, ErrNoAPIKey
	}

	userMsg := &Message{
		ID:              uuid.NewString(),
		Role:            openai.ChatMessageRoleUser,
		Text:            p.Text,
		ParentMessageID: p.ParentMessageID,
		ConversationID:  p.ConversationID,
	}

	msgs, err := c.buildMessages(ctx, p.UserID, model, p.SystemMessage, userMsg)
	if err != nil {
		return nil, err
	}
	if err := c.messages.put(ctx, p.UserID, userMsg); err != nil {
		return nil, fmt.Errorf("chatgpt: %w", err)
	}

	c.log.DebugContext(ctx, "chatgpt.request",
		slog.String("model", model),
		slog.Int("messages", len(msgs)),
	)

	stream, err := c.client(key).CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: c.cfg.MaxResponseTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("chatgpt: open stream: %w", err)
	}

	return &chunkStream{
		ctx:      ctx,
		c:        c,
		stream:   stream,
		userID:   p.UserID,
		userMsg:  userMsg,
		fallback: uuid.NewString(),
	}, nil
}

// buildMessages assembles the upstream prompt: the system message, then as
// many ancestors of the new message as fit the token budget, oldest first,
// then the new message itself.
func (c *Client) buildMessages(ctx context.Context, userID, model, system string, userMsg *Message) ([]openai.ChatCompletionMessage, error) {
	budget := c.cfg.MaxModelTokens - c.cfg.MaxResponseTokens - tokensPerReply

	var head []openai.ChatCompletionMessage
	if system != "" {
		head = append(head, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
		budget -= c.count(model, system) + tokensPerMessage
	}
	budget -= c.count(model, userMsg.Text) + tokensPerMessage
	if budget < 0 {
		return nil, &relay.ValidationError{Reason: "prompt exceeds the model context window"}
	}

	var history []openai.ChatCompletionMessage
	seen := map[string]bool{}
	for parent := userMsg.ParentMessageID; parent != "" && !seen[parent]; {
		seen[parent] = true
		msg, err := c.messages.get(ctx, userID, parent)
		if err != nil {
			return nil, fmt.Errorf("chatgpt: %w", err)
		}
		if msg == nil {
			break
		}
		cost := c.count(model, msg.Text) + tokensPerMessage
		if cost > budget {
			break
		}
		budget -= cost
		history = append(history, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Text})
		parent = msg.ParentMessageID
	}

	out := make([]openai.ChatCompletionMessage, 0, len(head)+len(history)+1)
	out = append(out, head...)
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i])
	}
	out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userMsg.Text})
	return out, nil
}

type chunkStream struct {
	ctx      context.Context
	c        *Client
	stream   *openai.ChatCompletionStream
	userID   string
	userMsg  *Message
	fallback string

	id   string
	text string
	done bool
}

func (s *chunkStream) Recv() (*relay.Chunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			s.finish()
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("chatgpt: recv: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}

		if s.id == "" {
			s.id = resp.ID
			if s.id == "" {
				s.id = s.fallback
			}
		}
		delta := resp.Choices[0].Delta.Content
		s.text += delta

		detail, err := json.Marshal(resp)
		if err != nil {
			detail = nil
		}
		return &relay.Chunk{
			ID:              s.id,
			ConversationID:  s.userMsg.ConversationID,
			ParentMessageID: s.userMsg.ID,
			Role:            openai.ChatMessageRoleAssistant,
			Text:            s.text,
			Delta:           delta,
			Detail:          detail,
		}, nil
	}
}

// finish stores the completed assistant reply so the next turn can name it
// as its parent. The reply has already been delivered, so a storage failure
// is only logged.
func (s *chunkStream) finish() {
	if s.text == "" {
		return
	}
	if s.id == "" {
		s.id = s.fallback
	}
	msg := &Message{
		ID:              s.id,
		Role:            openai.ChatMessageRoleAssistant,
		Text:            s.text,
		ParentMessageID: s.userMsg.ID,
		ConversationID:  s.userMsg.ConversationID,
	}
	if err := s.c.messages.put(s.ctx, s.userID, msg); err != nil {
		s.c.log.WarnContext(s.ctx, "chatgpt.store.fail", slog.String("err", err.Error()))
	}
}

func (s *chunkStream) Close() error {
	s.stream.Close()
	return nil
}

var _ relay.Provider = (*Client)(nil)
