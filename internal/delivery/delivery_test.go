package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/namastexlabs/automagik-omni/internal/bus"
)

func TestDeliverSingleChunkNoSplit(t *testing.T) {
	var sent []bus.OutboundMessage
	send := func(ctx context.Context, msg bus.OutboundMessage) error {
		sent = append(sent, msg)
		return nil
	}

	msg := bus.OutboundMessage{ChannelType: "discord", Text: "hello"}
	results := Deliver(context.Background(), send, msg, true)

	if len(sent) != 1 || sent[0].Text != "hello" {
		t.Fatalf("expected single unsplit send, got %+v", sent)
	}
	if !AllSucceeded(results) {
		t.Fatal("expected success")
	}
}

func TestDeliverSplitsLongText(t *testing.T) {
	var sent []bus.OutboundMessage
	send := func(ctx context.Context, msg bus.OutboundMessage) error {
		sent = append(sent, msg)
		return nil
	}

	long := ""
	for i := 0; i < 500; i++ {
		long += "word "
	}
	msg := bus.OutboundMessage{ChannelType: "discord", Text: long}
	results := Deliver(context.Background(), send, msg, true)

	if len(sent) < 2 {
		t.Fatalf("expected the message to split into multiple chunks, got %d", len(sent))
	}
	if !AllSucceeded(results) {
		t.Fatal("expected all chunks to succeed")
	}
	rebuilt := ""
	for _, s := range sent {
		rebuilt += s.Text
	}
	if rebuilt != long {
		t.Fatal("expected chunk concatenation to reconstruct the original text")
	}
}

func TestDeliverMediaSentSeparately(t *testing.T) {
	var sent []bus.OutboundMessage
	send := func(ctx context.Context, msg bus.OutboundMessage) error {
		sent = append(sent, msg)
		return nil
	}

	msg := bus.OutboundMessage{
		ChannelType: "whatsapp",
		Text:        "look at this",
		Media:       []bus.MediaRef{{URL: "https://example.com/a.png"}},
	}
	results := Deliver(context.Background(), send, msg, true)

	if len(sent) != 2 {
		t.Fatalf("expected text send plus media send, got %d", len(sent))
	}
	if sent[1].Media[0].URL != "https://example.com/a.png" {
		t.Fatalf("expected media in second send, got %+v", sent[1])
	}
	if !AllSucceeded(results) {
		t.Fatal("expected success")
	}
}

func TestDeliverStopsOnFirstFailure(t *testing.T) {
	calls := 0
	send := func(ctx context.Context, msg bus.OutboundMessage) error {
		calls++
		return errors.New("channel unavailable")
	}

	long := ""
	for i := 0; i < 500; i++ {
		long += "word "
	}
	msg := bus.OutboundMessage{ChannelType: "discord", Text: long}
	results := Deliver(context.Background(), send, msg, true)

	if calls != 1 {
		t.Fatalf("expected delivery to stop after first failure, got %d calls", calls)
	}
	if AllSucceeded(results) {
		t.Fatal("expected failure to be reported")
	}
}

func TestDeliverNoSplitWhenDisabled(t *testing.T) {
	var sent []bus.OutboundMessage
	send := func(ctx context.Context, msg bus.OutboundMessage) error {
		sent = append(sent, msg)
		return nil
	}

	long := ""
	for i := 0; i < 500; i++ {
		long += "word "
	}
	msg := bus.OutboundMessage{ChannelType: "discord", Text: long}
	Deliver(context.Background(), send, msg, false)

	if len(sent) != 1 {
		t.Fatalf("expected one send when auto-split disabled, got %d", len(sent))
	}
}
