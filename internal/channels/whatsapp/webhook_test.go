package whatsapp

import "testing"

func TestParseWebhookText(t *testing.T) {
	body := []byte(`{
		"event": "messages.upsert",
		"instance": "prod-wa",
		"data": {
			"messages": [{
				"key": {"remoteJid": "5511990000101@s.whatsapp.net", "id": "3EB01", "fromMe": false},
				"message": {"conversation": "hi"},
				"messageTimestamp": 1700000000,
				"pushName": "Alice"
			}]
		}
	}`)

	evt, err := ParseWebhook("prod-wa", body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if evt.Text != "hi" || evt.MessageTypeRaw != "conversation" || evt.FromPeer != "5511990000101@s.whatsapp.net" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.PeerKind != "direct" {
		t.Fatalf("expected direct peer kind, got %s", evt.PeerKind)
	}
}

func TestParseWebhookReaction(t *testing.T) {
	body := []byte(`{
		"instance": "prod-wa",
		"data": {
			"messages": [{
				"key": {"remoteJid": "5511990000101@s.whatsapp.net", "id": "3EB02", "fromMe": false},
				"message": {"reactionMessage": {"text": "👍", "key": {"id": "3EB01"}}},
				"messageTimestamp": 1700000001
			}]
		}
	}`)

	evt, err := ParseWebhook("prod-wa", body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if evt.MessageTypeRaw != "reactionMessage" {
		t.Fatalf("expected reactionMessage type, got %s", evt.MessageTypeRaw)
	}
	if len(evt.MediaList) != 0 {
		t.Fatalf("expected no media for a reaction, got %v", evt.MediaList)
	}
}

func TestParseWebhookInstanceMismatch(t *testing.T) {
	body := []byte(`{"instance": "other-instance", "data": {"messages": []}}`)
	_, err := ParseWebhook("prod-wa", body)
	if err == nil {
		t.Fatal("expected error on instance mismatch")
	}
}

func TestParseWebhookIgnoresEcho(t *testing.T) {
	body := []byte(`{
		"instance": "prod-wa",
		"data": {
			"messages": [{
				"key": {"remoteJid": "5511990000101@s.whatsapp.net", "id": "3EB03", "fromMe": true},
				"message": {"conversation": "sent by us"},
				"messageTimestamp": 1700000002
			}]
		}
	}`)
	_, err := ParseWebhook("prod-wa", body)
	if !IsIgnoredEcho(err) {
		t.Fatalf("expected ignored-echo error, got %v", err)
	}
}

func TestParseWebhookGroupJID(t *testing.T) {
	body := []byte(`{
		"instance": "prod-wa",
		"data": {
			"messages": [{
				"key": {"remoteJid": "1203630@g.us", "id": "3EB04", "fromMe": false},
				"message": {"conversation": "hello group"},
				"messageTimestamp": 1700000003
			}]
		}
	}`)
	evt, err := ParseWebhook("prod-wa", body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if evt.PeerKind != "group" || evt.GroupID != "1203630@g.us" {
		t.Fatalf("expected group peer kind, got %+v", evt)
	}
}

func TestParseWebhookEditedMessage(t *testing.T) {
	body := []byte(`{
		"instance": "prod-wa",
		"data": {
			"messages": [{
				"key": {"remoteJid": "5511990000101@s.whatsapp.net", "id": "3EB06", "fromMe": false},
				"message": {"editedMessage": {"message": {"protocolMessage": {
					"key": {"remoteJid": "5511990000101@s.whatsapp.net", "id": "3EB01", "fromMe": false},
					"editedMessage": {"conversation": "hi, edited"}
				}}}},
				"messageTimestamp": 1700000005
			}]
		}
	}`)
	evt, err := ParseWebhook("prod-wa", body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if evt.MessageTypeRaw != "editedMessage" {
		t.Fatalf("expected editedMessage type, got %s", evt.MessageTypeRaw)
	}
	if evt.Text != "hi, edited" {
		t.Fatalf("expected edited text, got %q", evt.Text)
	}
	if evt.QuotedMessageID != "3EB01" {
		t.Fatalf("expected quoted id of the edited message, got %q", evt.QuotedMessageID)
	}
}

func TestParseWebhookCall(t *testing.T) {
	body := []byte(`{
		"instance": "prod-wa",
		"data": {
			"messages": [{
				"key": {"remoteJid": "5511990000101@s.whatsapp.net", "id": "3EB07", "fromMe": false},
				"message": {"call": {"callId": "CALL123", "status": "offer", "isVideo": false}},
				"messageTimestamp": 1700000006
			}]
		}
	}`)
	evt, err := ParseWebhook("prod-wa", body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if evt.MessageTypeRaw != "call" {
		t.Fatalf("expected call type, got %s", evt.MessageTypeRaw)
	}
	if evt.Text != "offer" {
		t.Fatalf("expected call status as text, got %q", evt.Text)
	}
	if evt.QuotedMessageID != "CALL123" {
		t.Fatalf("expected call id, got %q", evt.QuotedMessageID)
	}
}

func TestParseWebhookImageMessage(t *testing.T) {
	body := []byte(`{
		"instance": "prod-wa",
		"data": {
			"messages": [{
				"key": {"remoteJid": "5511990000101@s.whatsapp.net", "id": "3EB05", "fromMe": false},
				"message": {"imageMessage": {"url": "https://cdn.example/x.jpg", "mimetype": "image/jpeg", "caption": "look"}},
				"messageTimestamp": 1700000004
			}]
		}
	}`)
	evt, err := ParseWebhook("prod-wa", body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(evt.MediaList) != 1 || evt.MediaList[0].URL != "https://cdn.example/x.jpg" {
		t.Fatalf("expected image media ref, got %+v", evt.MediaList)
	}
}
