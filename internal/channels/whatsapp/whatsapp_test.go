package whatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListContacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/findContacts/inst1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`[{"id":"5511990000101@s.whatsapp.net","pushName":"Alice"}]`))
	}))
	defer srv.Close()

	c, err := New("prod-wa", srv.URL, "key", "inst1", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	contacts, err := c.ListContacts(context.Background())
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].PushName != "Alice" {
		t.Fatalf("unexpected contacts: %+v", contacts)
	}
}

func TestListChats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/findChats/inst1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`[{"id":"5511990000101@s.whatsapp.net","name":"Alice","unreadCount":2}]`))
	}))
	defer srv.Close()

	c, err := New("prod-wa", srv.URL, "key", "inst1", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chats, err := c.ListChats(context.Background())
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 1 || chats[0].UnreadCount != 2 {
		t.Fatalf("unexpected chats: %+v", chats)
	}
}

func TestListMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/findMessages/inst1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"messages":{"records":[{"key":{"id":"3EB01","remoteJid":"5511990000101@s.whatsapp.net","fromMe":false},"message":{"conversation":"hi"},"messageTimestamp":1700000000}]}}`))
	}))
	defer srv.Close()

	c, err := New("prod-wa", srv.URL, "key", "inst1", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msgs, err := c.ListMessages(context.Background(), "5511990000101@s.whatsapp.net", 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hi" || msgs[0].FromPeer != "5511990000101@s.whatsapp.net" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestListMessagesDefaultLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":{"records":[]}}`))
	}))
	defer srv.Close()

	c, err := New("prod-wa", srv.URL, "key", "inst1", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msgs, err := c.ListMessages(context.Background(), "x", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %+v", msgs)
	}
}
