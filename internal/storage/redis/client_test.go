package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewClientPings(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := NewClient(context.Background(), Config{Addresses: []string{" " + server.Addr() + " "}})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := server.Exists("k"); !got {
		t.Fatalf("expected key to exist")
	}
}

func TestNewClientRequiresAddress(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{Addresses: []string{"  "}}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestNewClientFailsWhenUnreachable(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	if _, err := NewClient(context.Background(), Config{Addresses: []string{addr}}); err == nil {
		t.Fatalf("expected error for closed server")
	}
}
