// Command chat-relay serves the authenticated streaming chat API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ggoodman/chat-relay-go/auth"
	"github.com/ggoodman/chat-relay-go/authz"
	"github.com/ggoodman/chat-relay-go/chatgpt"
	"github.com/ggoodman/chat-relay-go/internal/config"
	"github.com/ggoodman/chat-relay-go/internal/paramstore"
	"github.com/ggoodman/chat-relay-go/relay"
	"github.com/ggoodman/chat-relay-go/storage"
	"github.com/ggoodman/chat-relay-go/storage/memory"
	redisstorage "github.com/ggoodman/chat-relay-go/storage/redis"
	"github.com/ggoodman/chat-relay-go/streaminghttp"
)

const (
	shutdownGrace  = 10 * time.Second
	memoryMaxItems = 100_000
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	// 1) Message storage
	store, err := newStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// 2) System settings
	sys, closeSettings, err := newSettingsStore(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	defer closeSettings()

	// 3) ID token verification
	authOpts := []auth.IDTokenAuthOption{auth.WithVerifyTimeout(cfg.Auth.VerifyTimeout)}
	var authenticator auth.Authenticator
	if cfg.Auth.JWKSURL != "" {
		authenticator, err = auth.NewStatic(ctx, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.JWKSURL, authOpts...)
	} else {
		authenticator, err = auth.NewFromDiscovery(ctx, cfg.Auth.Issuer, cfg.Auth.Audience, authOpts...)
	}
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// 4) Access lists and admin role
	gate, err := authz.New(sys, authz.AnyAdmin(
		authz.SettingsAdmins(sys, nil),
		authz.ClaimAdmin(cfg.Auth.AdminClaim),
		authz.StaticAdmins(cfg.Auth.AdminSubjectList()...),
	), authz.WithLogger(log))
	if err != nil {
		return err
	}

	// 5) Upstream model and relay
	apiKey, err := resolveAPIKey(ctx, cfg)
	if err != nil {
		return err
	}
	provider, err := chatgpt.New(chatgpt.Config{
		APIKey:            apiKey,
		BaseURL:           cfg.OpenAI.BaseURL,
		Model:             cfg.OpenAI.Model,
		MaxModelTokens:    cfg.OpenAI.MaxModelTokens,
		MaxResponseTokens: cfg.OpenAI.MaxResponseTokens,
		MessageTTL:        cfg.Chat.MessageTTL,
	}, store, chatgpt.WithSettings(sys), chatgpt.WithLogger(log))
	if err != nil {
		return err
	}
	rl, err := relay.New(provider,
		relay.WithLogger(log),
		relay.WithTimeout(cfg.Chat.StreamTimeout),
		relay.WithSystemMessage(cfg.Chat.SystemMessage),
	)
	if err != nil {
		return err
	}

	// 6) HTTP surface
	hopts := []streaminghttp.Option{streaminghttp.WithLogger(log)}
	if cfg.StaticDir != "" {
		hopts = append(hopts, streaminghttp.WithStaticDir(cfg.StaticDir))
	}
	h, err := streaminghttp.New(authenticator, gate, rl, sys, hopts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.ListenAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(sctx)
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}

func newStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.Storage.RedisAddr == "" {
		m, err := memory.New(memoryMaxItems)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.Storage.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Storage.RedisAddr, err)
	}
	r, err := redisstorage.New(redisstorage.Config{Client: client, KeyPrefix: cfg.Storage.KeyPrefix})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return r, nil
}

// resolveAPIKey reads the static OpenAI key, falling back to Parameter Store
// when only a parameter name is configured.
func resolveAPIKey(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.OpenAI.APIKey != "" || cfg.OpenAI.APIKeyParam == "" {
		return cfg.OpenAI.APIKey, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("aws config: %w", err)
	}
	ps, err := paramstore.New(ssm.NewFromConfig(awsCfg))
	if err != nil {
		return "", err
	}
	return paramstore.Resolve(ctx, ps, cfg.OpenAI.APIKey, cfg.OpenAI.APIKeyParam)
}
