// Package settings holds the runtime-editable system settings: access lists,
// the admin list and upstream overrides. Settings are read on every request
// so edits take effect without a restart.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/chat-relay-go/storage"
)

// SystemSettings is the document administrators edit at runtime.
type SystemSettings struct {
	// Blacklist entries are denied access.
	Blacklist []string `json:"blacklist" yaml:"blacklist"`
	// Whitelist, when non-empty, is the only set of identities allowed in.
	Whitelist []string `json:"whitelist" yaml:"whitelist"`
	// Admins are granted the admin role.
	Admins []string `json:"admins" yaml:"admins"`
	// OpenAIAPIKeys, when non-empty, replace the configured API key. Keys are
	// used in rotation.
	OpenAIAPIKeys []string `json:"openaiApiKeys" yaml:"openaiApiKeys"`
	// ChatGPTModel overrides the configured model with its first entry.
	ChatGPTModel []string `json:"chatgptModel" yaml:"chatgptModel"`
}

// Normalize trims whitespace and drops empty entries from every list.
func (s *SystemSettings) Normalize() {
	s.Blacklist = compact(s.Blacklist)
	s.Whitelist = compact(s.Whitelist)
	s.Admins = compact(s.Admins)
	s.OpenAIAPIKeys = compact(s.OpenAIAPIKeys)
	s.ChatGPTModel = compact(s.ChatGPTModel)
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Store reads and writes the settings document. Get returns the zero value,
// not an error, when nothing has been stored yet.
type Store interface {
	Get(ctx context.Context) (*SystemSettings, error)
	Put(ctx context.Context, s *SystemSettings) error
}

// ErrReadOnly is returned by Put on stores whose source of truth is managed
// outside the process.
var ErrReadOnly = errors.New("settings: store is read-only")

const storageKey = "system-settings"

// StorageStore keeps the settings as a JSON document in the global namespace
// of a storage.Storage.
type StorageStore struct {
	s storage.Storage
}

// NewStorageStore returns a Store backed by s.
func NewStorageStore(s storage.Storage) *StorageStore {
	return &StorageStore{s: s}
}

func (st *StorageStore) Get(ctx context.Context) (*SystemSettings, error) {
	item, err := st.s.Get(ctx, storageKey)
	if err != nil {
		return nil, fmt.Errorf("settings: get: %w", err)
	}
	out := &SystemSettings{}
	if item == nil {
		return out, nil
	}
	if err := json.Unmarshal(item.Data, out); err != nil {
		return nil, fmt.Errorf("settings: decode: %w", err)
	}
	return out, nil
}

func (st *StorageStore) Put(ctx context.Context, s *SystemSettings) error {
	if s == nil {
		return errors.New("settings: nil settings")
	}
	cp := *s
	cp.Normalize()
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := st.s.Set(ctx, storageKey, data); err != nil {
		return fmt.Errorf("settings: put: %w", err)
	}
	return nil
}

var _ Store = (*StorageStore)(nil)
