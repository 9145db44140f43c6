// Package answer is the HTTP client for the answer-generation backend.
package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
)

const maxResponseBytes = 8 << 20

// Client posts questions to {BaseURL}/api/answer.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// Token is sent as a bearer Authorization header when set.
	Token   string
	Timeout time.Duration
}

type answerRequest struct {
	Question  string `json:"question"`
	Project   string `json:"project"`
	SessionID string `json:"session_id,omitempty"`
	Channel   string `json:"channel"`
}

type answerResponse struct {
	Text        string               `json:"text"`
	Attachments []channel.Attachment `json:"attachments"`
}

// NewClient creates an answer backend client.
func NewClient(log *slog.Logger, opts Options, httpClient *http.Client) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("answer backend base url is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		logger:     log.With(slog.String("component", "answer")),
	}, nil
}

// Answer implements channel.AnswerBackend.
func (c *Client) Answer(ctx context.Context, req channel.AnswerRequest) (channel.Answer, error) {
	body, err := json.Marshal(answerRequest{
		Question:  req.Text,
		Project:   req.Project,
		SessionID: req.SessionID,
		Channel:   req.Channel.String(),
	})
	if err != nil {
		return channel.Answer{}, err
	}
	url := c.baseURL + "/api/answer"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return channel.Answer{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return channel.Answer{}, fmt.Errorf("answer backend request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return channel.Answer{}, fmt.Errorf("answer backend read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("answer backend error",
			slog.String("project", req.Project),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", truncate(string(respBody), 300)),
		)
		return channel.Answer{}, fmt.Errorf("answer backend status %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(respBody)), 300))
	}

	var parsed answerResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return channel.Answer{}, fmt.Errorf("failed to parse answer response: %w", err)
	}
	c.logger.Debug("answer received",
		slog.String("project", req.Project),
		slog.String("channel", req.Channel.String()),
		slog.Int("attachments", len(parsed.Attachments)),
		slog.Duration("elapsed", time.Since(started)),
	)
	return channel.Answer{Text: parsed.Text, Attachments: parsed.Attachments}, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
