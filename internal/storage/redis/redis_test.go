package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"Cosign/internal/storage/storagetest"
)

// TestLexRange tests the lexicographic bounds of prefix scans.
func TestLexRange(t *testing.T) {
	tests := []struct {
		prefix   []byte
		min, max string
	}{
		{nil, "-", "+"},
		{[]byte{0x01}, "[01", "(02"},
		{[]byte{0x01, 0xff}, "[01ff", "(02"},
		{[]byte{0xff}, "[ff", "+"},
	}

	for _, tt := range tests {
		r := lexRange(tt.prefix)
		if r.Min != tt.min || r.Max != tt.max {
			t.Errorf("lexRange(%x) = [%s, %s], want [%s, %s]", tt.prefix, r.Min, r.Max, tt.min, tt.max)
		}
	}
}

// TestConformance runs the shared suite against a live server named by REDIS_ADDR.
func TestConformance(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	b := NewWithClient(client, "cosign-test:"+uuid.NewString()+":")
	defer b.Close()

	storagetest.Run(t, b)
}
