// Package delivery implements Outbound Delivery (C8): converting an agent's
// final text into one or more channel sends, splitting long text on
// paragraph/sentence boundaries and pacing sequential sends, grounded on
// the gateway's discord.Channel.sendChunked chunking loop.
package delivery

import (
	"context"
	"time"

	"github.com/namastexlabs/automagik-omni/internal/bus"
)

// Thresholds bounds the text-splitting and pacing behavior for one channel
// type. WhatsApp and Discord carry different native message-length limits.
type Thresholds struct {
	MaxChunkLen  int
	PacingDelay  time.Duration
}

// DefaultThresholds per channel_type, matching WhatsApp's informal 4096-char
// convention and Discord's hard 2000-char message cap.
var DefaultThresholds = map[string]Thresholds{
	"whatsapp": {MaxChunkLen: 4096, PacingDelay: 300 * time.Millisecond},
	"discord":  {MaxChunkLen: 2000, PacingDelay: 300 * time.Millisecond},
}

// Sender delivers one OutboundMessage through the registered Channel
// Adapter, matching bus.MessageBus.PublishOutbound's signature.
type Sender func(ctx context.Context, msg bus.OutboundMessage) error

// ChunkResult records the outcome of delivering a single chunk or media
// item, for the Trace Recorder to aggregate into a terminal status.
type ChunkResult struct {
	Text  string
	Media bool
	Err   error
}

// Deliver sends msg through send, splitting msg.Text into multiple chunks
// when autoSplit is true and the text exceeds the channel's threshold.
// Media items are each sent as a separate chunk after the text chunks.
// Sends happen sequentially, paced by the channel's PacingDelay; the
// overall delivery succeeds iff every chunk and media send succeeds.
func Deliver(ctx context.Context, send Sender, msg bus.OutboundMessage, autoSplit bool) []ChunkResult {
	th, ok := DefaultThresholds[msg.ChannelType]
	if !ok {
		th = Thresholds{MaxChunkLen: 4096, PacingDelay: 300 * time.Millisecond}
	}

	var results []ChunkResult

	if msg.Text != "" {
		var chunks []string
		if autoSplit && len(msg.Text) > th.MaxChunkLen {
			chunks = splitText(msg.Text, th.MaxChunkLen)
		} else {
			chunks = []string{msg.Text}
		}

		for i, chunk := range chunks {
			if i > 0 {
				select {
				case <-ctx.Done():
					results = append(results, ChunkResult{Text: chunk, Err: ctx.Err()})
					return results
				case <-time.After(th.PacingDelay):
				}
			}
			out := msg
			out.Text = chunk
			out.Media = nil
			err := send(ctx, out)
			results = append(results, ChunkResult{Text: chunk, Err: err})
			if err != nil {
				return results
			}
		}
	}

	for _, media := range msg.Media {
		if len(results) > 0 {
			select {
			case <-ctx.Done():
				results = append(results, ChunkResult{Media: true, Err: ctx.Err()})
				return results
			case <-time.After(th.PacingDelay):
			}
		}
		out := msg
		out.Text = ""
		out.Media = []bus.MediaRef{media}
		err := send(ctx, out)
		results = append(results, ChunkResult{Media: true, Err: err})
		if err != nil {
			return results
		}
	}

	return results
}

// AllSucceeded reports whether every chunk in results delivered without
// error. An empty result set (nothing to send) counts as success.
func AllSucceeded(results []ChunkResult) bool {
	for _, r := range results {
		if r.Err != nil {
			return false
		}
	}
	return true
}

// splitText breaks text into chunks no longer than maxLen, preferring to
// cut at a paragraph boundary, then a sentence boundary, then a newline,
// retreating out of an open code-block fence or `<@id>` mention token
// (see bestCut).
func splitText(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cut := bestCut(text, maxLen)
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

// bestCut finds the best split point in text[:maxLen], preferring (in
// order) a blank-line paragraph break, a sentence-ending period/newline,
// then a bare newline, falling back to maxLen itself. The chosen cut is
// moved back before an unbalanced code-block fence or unclosed mention
// token, unless that would leave an empty chunk (a fence or token that
// starts the text), in which case the cut stays where it was.
func bestCut(text string, maxLen int) int {
	window := text[:maxLen]

	cut := maxLen
	if idx := lastIndexAfter(window, "\n\n", maxLen/2); idx > 0 {
		cut = idx
	} else if idx := lastSentenceEnd(window, maxLen/2); idx > 0 {
		cut = idx
	} else if idx := lastIndexByte(window, '\n'); idx > maxLen/2 {
		cut = idx + 1
	}
	if safe := safeCut(text, cut); safe > 0 {
		return safe
	}
	return cut
}

func lastIndexAfter(s, sep string, minIdx int) int {
	idx := -1
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			idx = i + len(sep)
		}
	}
	if idx > minIdx {
		return idx
	}
	return -1
}

func lastSentenceEnd(s string, minIdx int) int {
	for i := len(s) - 1; i > minIdx; i-- {
		if s[i] == '.' || s[i] == '!' || s[i] == '?' {
			if i+1 < len(s) && (s[i+1] == ' ' || s[i+1] == '\n') {
				return i + 2
			}
		}
	}
	return -1
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// safeCut avoids splitting inside an open code-block fence (```) or a
// Discord mention token (<@id>) by retreating to before the opening
// fence/token if maxLen would land inside one.
func safeCut(text string, maxLen int) int {
	window := text[:maxLen]
	if fenceIdx := lastUnclosedFence(window); fenceIdx >= 0 {
		return fenceIdx
	}
	if mentionIdx := lastUnclosedMention(window); mentionIdx >= 0 {
		return mentionIdx
	}
	return maxLen
}

func lastUnclosedFence(s string) int {
	count := 0
	lastOpen := -1
	for i := 0; i+2 < len(s); i++ {
		if s[i] == '`' && s[i+1] == '`' && s[i+2] == '`' {
			count++
			if count%2 == 1 {
				lastOpen = i
			}
			i += 2
		}
	}
	if count%2 == 1 {
		return lastOpen
	}
	return -1
}

func lastUnclosedMention(s string) int {
	open := lastIndexByte(s, '<')
	if open < 0 {
		return -1
	}
	if idx := indexByteFrom(s, '>', open); idx < 0 {
		return open
	}
	return -1
}

func indexByteFrom(s string, c byte, from int) int {
	for i := from; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
