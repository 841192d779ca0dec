package cache

import (
	"context"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
)

// Disabled caching must never touch redis, so a nil *redis.Client is safe
// here: Get/Set return before dereferencing it.
func TestDisabledCache_GetIsAlwaysMiss(t *testing.T) {
	c := New(nil, false, time.Minute)

	resp, err := c.Get(context.Background(), providers.ChatRequest{Model: "gpt-4"})
	if err != nil {
		t.Fatalf("Get: unexpected error: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected nil response from disabled cache, got %+v", resp)
	}
}

func TestDisabledCache_SetIsNoop(t *testing.T) {
	c := New(nil, false, time.Minute)

	err := c.Set(context.Background(), providers.ChatRequest{Model: "gpt-4"}, &providers.ChatResponse{})
	if err != nil {
		t.Fatalf("Set: expected nil error from disabled cache, got %v", err)
	}
}
