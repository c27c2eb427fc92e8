package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"visionbatch/internal/domain"
)

func TestNewRedisStore(t *testing.T) {
	if _, err := NewRedisStore(nil, ""); err == nil {
		t.Fatal("expected error for nil client")
	}
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	s, err := NewRedisStore(rdb, "  ")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	if s.prefix != defaultRedisPrefix {
		t.Fatalf("prefix = %q, want default", s.prefix)
	}
	if s, _ := NewRedisStore(rdb, "tenant:"); s.prefix != "tenant:" {
		t.Fatalf("prefix = %q", s.prefix)
	}
}

func TestNewRedisStoreFromURLRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStoreFromURL(context.Background(), "http://not-redis", ""); err == nil {
		t.Fatal("expected error for non-redis url")
	}
}

func TestEscapeGlob(t *testing.T) {
	tests := map[string]string{
		"batches/":      "batches/",
		"uploads/b[1]/": `uploads/b\[1\]/`,
		"a*b?c":         `a\*b\?c`,
		`x\y`:           `x\\y`,
	}
	for in, want := range tests {
		if got := escapeGlob(in); got != want {
			t.Fatalf("escapeGlob(%q) = %q, want %q", in, got, want)
		}
	}
}

// newLiveRedisStore connects to REDIS_URL under a namespace unique to the
// test and removes every key in it afterwards.
func newLiveRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	rawURL := os.Getenv("REDIS_URL")
	if rawURL == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	prefix := fmt.Sprintf("visionbatch-test:%s:%d:", t.Name(), time.Now().UnixNano())
	s, err := NewRedisStoreFromURL(ctx, rawURL, prefix)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		iter := s.rdb.Scan(ctx, 0, escapeGlob(prefix)+"*", 200).Iterator()
		for iter.Next(ctx) {
			s.rdb.Del(ctx, iter.Val())
		}
		_ = s.Close()
	})
	return s
}

func TestRedisStoreLifecycle(t *testing.T) {
	s := newLiveRedisStore(t)
	ctx := context.Background()

	key, err := s.Save(ctx, "/batches//b1.json", []byte(`{"id":"b1"}`))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if key != "batches/b1.json" {
		t.Fatalf("key = %q", key)
	}
	if n, err := s.rdb.Exists(ctx, s.prefix+"batches/b1.json").Result(); err != nil || n != 1 {
		t.Fatalf("raw key under prefix: n=%d err=%v", n, err)
	}

	data, err := s.Load(ctx, "batches/b1.json")
	if err != nil || string(data) != `{"id":"b1"}` {
		t.Fatalf("load = %q, %v", data, err)
	}
	if _, err := s.Load(ctx, "batches/missing.json"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ok, err := s.Exists(ctx, "batches/b1.json")
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
	if ok, _ := s.Exists(ctx, "batches/b2.json"); ok {
		t.Fatal("unexpected blob")
	}
	if _, err := s.Exists(ctx, "../escape"); err == nil {
		t.Fatal("expected error for escaping key")
	}
}

func TestRedisStoreList(t *testing.T) {
	s := newLiveRedisStore(t)
	ctx := context.Background()
	for _, key := range []string{
		"batches/b2.json",
		"batches/b1.json",
		"batches-archive/old.json",
		"uploads/b[1]/audio.wav",
		"uploads/b1/audio.wav",
	} {
		if _, err := s.Save(ctx, key, []byte("x")); err != nil {
			t.Fatalf("save %s: %v", key, err)
		}
	}

	tests := []struct {
		prefix string
		want   []string
	}{
		{prefix: "batches", want: []string{"batches/b1.json", "batches/b2.json"}},
		{prefix: "batches/", want: []string{"batches/b1.json", "batches/b2.json"}},
		{prefix: "uploads/b[1]", want: []string{"uploads/b[1]/audio.wav"}},
		{prefix: "missing", want: nil},
	}
	for _, tc := range tests {
		t.Run(tc.prefix, func(t *testing.T) {
			got, err := s.List(ctx, tc.prefix)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("list(%q) = %v, want %v", tc.prefix, got, tc.want)
			}
		})
	}

	all, err := s.List(ctx, "")
	if err != nil || len(all) != 5 {
		t.Fatalf("list all = %v, %v", all, err)
	}
}
