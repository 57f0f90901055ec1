package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client provides HTTP client functionality for transcription API requests
type Client struct {
	config     Config
	baseURL    *url.URL
	httpClient *http.Client

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains transcription client configuration
type Config struct {
	BaseURL   string // e.g. https://api.example.com/api/v1
	APIKey    string // Optional bearer token
	Timeout   time.Duration
	UserAgent string
}

// NewClient creates a new transcription HTTP client
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme: %q", base.Scheme)
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "meeting-transcriber/1.0"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		baseURL:    base,
		httpClient: httpClient,
	}, nil
}

// BaseURL returns the REST base URL the client was configured with.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// UploadChunk sends one audio chunk to POST /transcription/chunk. It makes a
// single attempt; retry policy belongs to the caller.
func (c *Client) UploadChunk(ctx context.Context, chunk ChunkUpload) (*ChunkResponse, error) {
	body, contentType, err := createMultipartRequest(chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	var resp ChunkResponse
	if err := c.do(ctx, http.MethodPost, "/transcription/chunk", contentType, body, &resp); err != nil {
		return nil, fmt.Errorf("upload chunk %d: %w", chunk.ChunkIndex, err)
	}
	return &resp, nil
}

// Finalize asks the backend to assemble every accepted chunk of a room.
func (c *Client) Finalize(ctx context.Context, roomSID string) (*FinalizeResponse, error) {
	var resp FinalizeResponse
	if err := c.postJSON(ctx, "/transcription/finalize", FinalizeRequest{RoomSID: roomSID}, &resp); err != nil {
		return nil, fmt.Errorf("finalize %s: %w", roomSID, err)
	}
	return &resp, nil
}

// FinalizeWithSummary finalizes a streamed room and generates its summary.
// An empty roomName is sent as absent.
func (c *Client) FinalizeWithSummary(ctx context.Context, roomSID, roomName string) (*FinalizeResponse, error) {
	req := FinalizeRequest{RoomSID: roomSID}
	if roomName != "" {
		req.RoomName = &roomName
	}

	var resp FinalizeResponse
	if err := c.postJSON(ctx, "/transcription/finalize-with-summary", req, &resp); err != nil {
		return nil, fmt.Errorf("finalize with summary %s: %w", roomSID, err)
	}
	return &resp, nil
}

// GetStreamingStatus reads chunk processing counters for a streamed room.
func (c *Client) GetStreamingStatus(ctx context.Context, roomSID string) (*StreamingStatus, error) {
	var resp StreamingStatus
	if err := c.do(ctx, http.MethodGet, "/transcription/partial/"+url.PathEscape(roomSID), "", nil, &resp); err != nil {
		return nil, fmt.Errorf("streaming status %s: %w", roomSID, err)
	}
	return &resp, nil
}

// GetFullResult fetches the two-stage job snapshot of a room.
func (c *Client) GetFullResult(ctx context.Context, roomSID string) (*JobSnapshot, error) {
	var resp JobSnapshot
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomSID)+"/full", "", nil, &resp); err != nil {
		return nil, fmt.Errorf("full result %s: %w", roomSID, err)
	}
	return &resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(data), out)
}

// do performs a single HTTP request against the backend and decodes a JSON
// response into out.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	startTime := time.Now()
	c.incrementTotalRequests()

	err := c.doRequest(ctx, method, path, contentType, body, out)
	if err != nil {
		c.incrementFailedRequests()
		return err
	}

	c.incrementSuccessRequests()
	c.updateAvgResponseTime(time.Since(startTime))
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return nil
}

// createMultipartRequest creates a multipart/form-data request body
func createMultipartRequest(chunk ChunkUpload) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := chunk.Filename
	if filename == "" {
		filename = fmt.Sprintf("chunk_%d.wav", chunk.ChunkIndex)
	}
	fileWriter, err := writer.CreateFormFile("audio", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(chunk.Audio); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"roomSid", chunk.RoomSID},
		{"chunkIndex", strconv.Itoa(chunk.ChunkIndex)},
		{"hasOverlap", strconv.FormatBool(chunk.HasOverlap)},
	}
	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", field[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: c.avgResponseTime,
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
