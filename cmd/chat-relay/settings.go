package main

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/ggoodman/chat-relay-go/internal/config"
	"github.com/ggoodman/chat-relay-go/settings"
	settingsdynamodb "github.com/ggoodman/chat-relay-go/settings/dynamodb"
	settingsfile "github.com/ggoodman/chat-relay-go/settings/file"
	"github.com/ggoodman/chat-relay-go/storage"
)

// newSettingsStore builds the configured settings backend. The returned
// close func is always non-nil.
func newSettingsStore(ctx context.Context, cfg *config.Config, s storage.Storage, log *slog.Logger) (settings.Store, func(), error) {
	noop := func() {}
	switch cfg.Settings.Backend {
	case config.SettingsDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("aws config: %w", err)
		}
		st, err := settingsdynamodb.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Settings.Table)
		if err != nil {
			return nil, noop, err
		}
		return st, noop, nil
	case config.SettingsFile:
		st, err := settingsfile.New(cfg.Settings.File, settingsfile.WithLogger(log))
		if err != nil {
			return nil, noop, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return settings.NewStorageStore(s), noop, nil
	}
}
