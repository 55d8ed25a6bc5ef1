package browser

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestAwaitEnterLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	entered := awaitEnter(context.Background(), server)
	go func() { _, _ = client.Write([]byte("\n")) }()

	select {
	case err := <-entered:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("line not seen")
	}
}

func TestAwaitEnterReleasedOnCancel(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	entered := awaitEnter(ctx, server)
	cancel()

	select {
	case err := <-entered:
		if err == nil {
			t.Error("expected a deadline error after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader goroutine still blocked after cancel")
	}
}
