package cli

import (
	"context"
	"testing"
)

func TestOwnsJID_MatchesOnlyConfiguredJID(t *testing.T) {
	c := New("cli:local", nil)
	if !c.OwnsJID("cli:local") {
		t.Fatal("should own its own jid")
	}
	if c.OwnsJID("cli:other") {
		t.Fatal("should not own a different jid")
	}
}

func TestPrefixAssistantName_AlwaysTrue(t *testing.T) {
	c := New("cli:local", nil)
	if !c.PrefixAssistantName() {
		t.Fatal("cli channel should always prefix the assistant name")
	}
}

func TestConnectDisconnect_TogglesConnectedState(t *testing.T) {
	c := New("cli:local", nil)
	if c.IsConnected() {
		t.Fatal("should start disconnected")
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect errored: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("should be connected after Connect")
	}
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect errored: %v", err)
	}
	if c.IsConnected() {
		t.Fatal("should be disconnected after Disconnect")
	}
}

func TestReconnect_EndsUpConnected(t *testing.T) {
	c := New("cli:local", nil)
	if err := c.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect errored: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("should be connected after Reconnect")
	}
	_ = c.Disconnect(context.Background())
}

func TestSendMessage_DoesNotError(t *testing.T) {
	c := New("cli:local", nil)
	if err := c.SendMessage(context.Background(), "cli:local", "hello"); err != nil {
		t.Fatalf("SendMessage errored: %v", err)
	}
}

func TestSetTyping_DoesNotError(t *testing.T) {
	c := New("cli:local", nil)
	if err := c.SetTyping(context.Background(), "cli:local", true); err != nil {
		t.Fatalf("SetTyping(true) errored: %v", err)
	}
	if err := c.SetTyping(context.Background(), "cli:local", false); err != nil {
		t.Fatalf("SetTyping(false) errored: %v", err)
	}
}
