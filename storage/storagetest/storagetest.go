package storagetest

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/chat-relay-go/storage"
)

// StorageFactory creates a new, empty Storage instance for testing.
type StorageFactory func(t *testing.T) storage.Storage

// RunStorageTests runs the complete Storage test suite against the provided factory.
func RunStorageTests(t *testing.T, factory StorageFactory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, factory) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory) })
	t.Run("InvalidTTL", func(t *testing.T) { testInvalidTTL(t, factory) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory) })
}

func testSetAndGet(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	item, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("expected item to exist, got nil")
	}
	if !bytes.Equal(item.Data, []byte("v")) {
		t.Errorf("expected data %q, got %q", "v", item.Data)
	}
	if item.CreatedAt.IsZero() {
		t.Error("CreatedAt should not be zero")
	}
	if item.ExpiresAt != nil {
		t.Error("ExpiresAt should be nil for data without TTL")
	}
}

func testGetNonExistent(t *testing.T, factory StorageFactory) {
	s := factory(t)

	item, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Errorf("expected nil for missing key, got %+v", item)
	}
}

func testTTL(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Set(ctx, "ttl", []byte("v"), storage.WithTTL(100*time.Millisecond)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	item, err := s.Get(ctx, "ttl")
	if err != nil || item == nil {
		t.Fatalf("expected live item, got %v (err=%v)", item, err)
	}
	if item.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt to be set")
	}

	time.Sleep(200 * time.Millisecond)

	item, err = s.Get(ctx, "ttl")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Error("expected item to have expired")
	}
}

func testInvalidTTL(t *testing.T, factory StorageFactory) {
	s := factory(t)

	err := s.Set(context.Background(), "k", []byte("v"), storage.WithTTL(-time.Second))
	if !errors.Is(err, storage.ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions, got %v", err)
	}
}

func testNamespaceIsolation(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("global")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("alice"), storage.WithUser("alice")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	cases := []struct {
		name string
		opts []storage.Option
		want string
	}{
		{name: "global", want: "global"},
		{name: "alice", opts: []storage.Option{storage.WithUser("alice")}, want: "alice"},
		{name: "bob", opts: []storage.Option{storage.WithUser("bob")}, want: ""},
	}

	for _, tc := range cases {
		item, err := s.Get(ctx, "k", tc.opts...)
		if err != nil {
			t.Fatalf("%s: Get() failed: %v", tc.name, err)
		}
		if tc.want == "" {
			if item != nil {
				t.Errorf("%s: expected no data, got %q", tc.name, item.Data)
			}
			continue
		}
		if item == nil || string(item.Data) != tc.want {
			t.Errorf("%s: expected %q, got %+v", tc.name, tc.want, item)
		}
	}
}
