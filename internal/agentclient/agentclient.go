// Package agentclient implements the Agent Client (C7): buffered and
// streaming HTTP calls out to a configured agent backend, mirroring the
// gateway's providers.Provider.Chat/ChatStream request shape.
package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MediaRef mirrors bus.MediaRef for the agent request/response JSON shape.
type MediaRef struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Caption     string `json:"caption,omitempty"`
}

// Request is the JSON body sent to the agent backend.
type Request struct {
	SessionName string     `json:"session_name"`
	UserID      string     `json:"user_id"`
	Text        string     `json:"text"`
	Media       []MediaRef `json:"media,omitempty"`
}

// Response is a buffered call's final result.
type Response struct {
	Text  string     `json:"text"`
	Media []MediaRef `json:"media,omitempty"`
	Error string     `json:"error,omitempty"`
}

// Chunk is one piece of a streaming response.
type Chunk struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// Metrics captures the per-call timing and volume data §4.7 requires.
type Metrics struct {
	FirstTokenLatencyMs     int64
	TotalStreamingDurationMs int64
	ChunkCount              int
	TotalContentLength      int
	FirstToFinalMs          int64
	Success                 bool
}

// Client calls one instance's configured agent backend, buffered or
// streaming depending on how it is constructed.
type Client struct {
	baseURL string
	apiKey  string
	agentID string
	timeout time.Duration
	http    *http.Client
}

// New builds an agent client bound to one instance's configuration.
func New(baseURL, apiKey, agentID string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		agentID: agentID,
		timeout: timeout,
		http:    &http.Client{},
	}
}

func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s%s", c.baseURL, path)
}

func (c *Client) newRequest(ctx context.Context, path string, req Request) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("agentclient: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agentclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.agentID != "" {
		httpReq.Header.Set("X-Agent-ID", c.agentID)
	}
	return httpReq, nil
}

// Buffered sends one request/response JSON call with the instance's
// configured timeout and returns the final text plus optional media, or a
// structured error. When the agent reports an error in its response body,
// the parsed response and metrics are returned together with the error.
func (c *Client) Buffered(ctx context.Context, req Request) (Response, Metrics, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	httpReq, err := c.newRequest(ctx, "/v1/agent/message", req)
	if err != nil {
		return Response{}, Metrics{}, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, Metrics{}, fmt.Errorf("agentclient: cancelled: %w", ctx.Err())
		}
		return Response{}, Metrics{}, fmt.Errorf("agentclient: call failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, Metrics{}, fmt.Errorf("agentclient: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Response{}, Metrics{}, fmt.Errorf("agentclient: agent returned status %d: %s", resp.StatusCode, string(data))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, Metrics{}, fmt.Errorf("agentclient: parse response: %w", err)
	}

	elapsed := time.Since(start)
	metrics := Metrics{
		FirstTokenLatencyMs:     elapsed.Milliseconds(),
		TotalStreamingDurationMs: elapsed.Milliseconds(),
		ChunkCount:              1,
		TotalContentLength:      len(out.Text),
		FirstToFinalMs:          0,
		Success:                 out.Error == "",
	}
	if out.Error != "" {
		return out, metrics, fmt.Errorf("agentclient: agent error: %s", out.Error)
	}
	return out, metrics, nil
}

// Streaming establishes a newline-delimited-JSON chunked response and
// invokes onChunk for each chunk as it arrives. It returns the aggregated
// final text and call metrics; chunks carry no media, so Response.Media is
// always empty. If ctx is cancelled mid-stream the in-flight call is
// cancelled and a partial result plus error is returned — callers must
// still record whatever content accumulated so far rather than drop it.
func (c *Client) Streaming(ctx context.Context, req Request, onChunk func(Chunk)) (Response, Metrics, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	httpReq, err := c.newRequest(ctx, "/v1/agent/message/stream", req)
	if err != nil {
		return Response{}, Metrics{}, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, Metrics{}, fmt.Errorf("agentclient: stream cancelled: %w", ctx.Err())
		}
		return Response{}, Metrics{}, fmt.Errorf("agentclient: stream call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return Response{}, Metrics{}, fmt.Errorf("agentclient: agent returned status %d: %s", resp.StatusCode, string(data))
	}

	var (
		builder          bytes.Buffer
		chunkCount       int
		firstTokenAt     time.Time
		gotFirst         bool
		lastChunkAt      time.Time
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return partialResponse(builder.String()), partialMetrics(start, firstTokenAt, chunkCount, builder.Len()), fmt.Errorf("agentclient: stream cancelled: %w", ctx.Err())
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk Chunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		chunkCount++
		lastChunkAt = time.Now()
		if !gotFirst {
			firstTokenAt = lastChunkAt
			gotFirst = true
		}
		builder.WriteString(chunk.Content)
		if onChunk != nil {
			onChunk(chunk)
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return partialResponse(builder.String()), partialMetrics(start, firstTokenAt, chunkCount, builder.Len()), fmt.Errorf("agentclient: stream read: %w", err)
	}

	total := time.Since(start)
	metrics := Metrics{
		ChunkCount:         chunkCount,
		TotalContentLength: builder.Len(),
		TotalStreamingDurationMs: total.Milliseconds(),
		Success:            true,
	}
	if gotFirst {
		metrics.FirstTokenLatencyMs = firstTokenAt.Sub(start).Milliseconds()
		metrics.FirstToFinalMs = lastChunkAt.Sub(firstTokenAt).Milliseconds()
	}
	return Response{Text: builder.String()}, metrics, nil
}

func partialResponse(text string) Response {
	return Response{Text: text}
}

func partialMetrics(start, firstTokenAt time.Time, chunkCount, contentLen int) Metrics {
	m := Metrics{
		ChunkCount:              chunkCount,
		TotalContentLength:      contentLen,
		TotalStreamingDurationMs: time.Since(start).Milliseconds(),
		Success:                 false,
	}
	if !firstTokenAt.IsZero() {
		m.FirstTokenLatencyMs = firstTokenAt.Sub(start).Milliseconds()
	}
	return m
}
