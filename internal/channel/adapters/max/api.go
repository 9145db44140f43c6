package max

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
)

const (
	defaultAPIURL = "https://platform-api.max.ru"
	maxBodyBytes  = 4 << 20
)

const errorCodeAttachmentNotReady = "attachment.not.ready"

// APIError is an error body returned by the MAX bot API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("max api http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("max api http %d: %s: %s", e.Status, e.Code, e.Message)
}

func isAttachmentNotReady(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == errorCodeAttachmentNotReady
}

type apiClient struct {
	http    *http.Client
	baseURL string
	token   string
}

func newAPIClient(httpClient *http.Client, baseURL, token string) *apiClient {
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	return &apiClient{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

func (c *apiClient) request(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w", channel.ErrUnauthorized, apiErr)
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type botInfo struct {
	UserID   int64  `json:"user_id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

func (c *apiClient) me(ctx context.Context) (botInfo, error) {
	var out botInfo
	if err := c.request(ctx, http.MethodGet, "/me", nil, nil, &out); err != nil {
		return botInfo{}, fmt.Errorf("max get me: %w", err)
	}
	return out, nil
}

type updatesResponse struct {
	Updates []maxUpdate `json:"updates"`
	Marker  *int64      `json:"marker"`
}

type maxUpdate struct {
	UpdateType string      `json:"update_type"`
	Timestamp  int64       `json:"timestamp"`
	Message    *maxMessage `json:"message"`
}

type maxMessage struct {
	Sender *struct {
		UserID int64 `json:"user_id"`
		IsBot  bool  `json:"is_bot"`
	} `json:"sender"`
	Recipient struct {
		ChatID int64 `json:"chat_id"`
		UserID int64 `json:"user_id"`
	} `json:"recipient"`
	Body struct {
		MID  string `json:"mid"`
		Text string `json:"text"`
	} `json:"body"`
}

func (c *apiClient) updates(ctx context.Context, marker *int64, timeout int) (updatesResponse, error) {
	query := url.Values{}
	query.Set("limit", "100")
	query.Set("timeout", strconv.Itoa(timeout))
	query.Set("types", "message_created")
	if marker != nil {
		query.Set("marker", strconv.FormatInt(*marker, 10))
	}
	var out updatesResponse
	if err := c.request(ctx, http.MethodGet, "/updates", query, nil, &out); err != nil {
		return updatesResponse{}, fmt.Errorf("max get updates: %w", err)
	}
	return out, nil
}

type attachmentPayload struct {
	Token string `json:"token"`
}

type outgoingAttachment struct {
	Type    string            `json:"type"`
	Payload attachmentPayload `json:"payload"`
}

type newMessage struct {
	Text        string               `json:"text,omitempty"`
	Attachments []outgoingAttachment `json:"attachments,omitempty"`
}

func (c *apiClient) sendMessage(ctx context.Context, chatID string, msg newMessage) error {
	query := url.Values{}
	query.Set("chat_id", chatID)
	if err := c.request(ctx, http.MethodPost, "/messages", query, msg, nil); err != nil {
		return fmt.Errorf("max send message: %w", err)
	}
	return nil
}

type uploadEndpoint struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type uploadResult struct {
	Token  string                       `json:"token"`
	Photos map[string]attachmentPayload `json:"photos"`
}

// upload requests an upload url, transfers the bytes and returns the token
// that references them in messages.
func (c *apiClient) upload(ctx context.Context, kind, name string, data []byte) (string, error) {
	query := url.Values{}
	query.Set("type", kind)
	var endpoint uploadEndpoint
	if err := c.request(ctx, http.MethodPost, "/uploads", query, nil, &endpoint); err != nil {
		return "", fmt.Errorf("max request upload url: %w", err)
	}
	if strings.TrimSpace(endpoint.URL) == "" {
		return "", fmt.Errorf("max request upload url: empty url")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("data", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", c.token)
	var result uploadResult
	if err := c.do(req, &result); err != nil {
		return "", fmt.Errorf("max upload %s: %w", name, err)
	}
	if token := uploadToken(endpoint, result); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("max upload %s: no token returned", name)
}

func uploadToken(endpoint uploadEndpoint, result uploadResult) string {
	if endpoint.Token != "" {
		return endpoint.Token
	}
	if result.Token != "" {
		return result.Token
	}
	for _, photo := range result.Photos {
		if photo.Token != "" {
			return photo.Token
		}
	}
	return ""
}
