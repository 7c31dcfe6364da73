package main

import (
	"context"
	"strings"
	"testing"
)

func TestRunTunnel_RequiresRelayURL(t *testing.T) {
	err := runTunnel(context.Background(), tunnelFlags{})
	if err == nil {
		t.Fatal("expected an error when no relay URL is configured")
	}
	if !strings.Contains(err.Error(), "relay_url") {
		t.Fatalf("expected relay_url hint in error, got %v", err)
	}
}
