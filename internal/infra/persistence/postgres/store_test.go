package postgres

import (
	"context"
	"testing"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	if store.Orders() == nil {
		t.Fatalf("expected order repository")
	}
	store.Close()
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), PoolOptions{DSN: "  "}); err == nil {
		t.Fatal("expected error for blank dsn")
	}
	if _, err := Open(context.Background(), PoolOptions{DSN: "::not a dsn::"}); err == nil {
		t.Fatal("expected error for malformed dsn")
	}
}
