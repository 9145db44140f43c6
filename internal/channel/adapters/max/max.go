// Package max implements the channel transport for the MAX messenger bot API.
package max

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/media"
)

// Type is the MAX channel type.
const Type channel.ChannelType = "max"

const (
	maxMessageLength   = 4000
	defaultPollTimeout = 25
	sendAttempts       = 3
)

const maxUploadBytes int64 = 4 << 30

// OptionAPIURL overrides the bot API base URL.
const OptionAPIURL = "api_url"

// Transport long-polls GET /updates with the marker cursor.
type Transport struct {
	api        *apiClient
	logger     *slog.Logger
	retryDelay time.Duration

	mu     sync.Mutex
	opened bool
	marker *int64
}

// New builds a MAX transport. It satisfies channel.TransportFactory.
func New(params channel.TransportParams) (channel.Transport, error) {
	token := strings.TrimSpace(params.Settings.Token)
	if token == "" {
		return nil, channel.ErrCredentialRequired
	}
	log := params.Logger
	if log == nil {
		log = slog.Default()
	}
	client := params.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: (defaultPollTimeout + 35) * time.Second}
	}
	return &Transport{
		api:        newAPIClient(client, params.Settings.Option(OptionAPIURL), token),
		logger:     log.With(slog.String("adapter", "max")),
		retryDelay: time.Second,
	}, nil
}

// Descriptor returns the MAX channel metadata.
func (t *Transport) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:                 Type,
		MaxTextLength:        maxMessageLength,
		SupportsConfirmation: true,
	}
}

// Open validates the token with GET /me.
func (t *Transport) Open(ctx context.Context) error {
	bot, err := t.api.me(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.opened = true
	t.mu.Unlock()
	t.logger.Info("max bot connected", slog.Int64("user_id", bot.UserID), slog.String("username", bot.Username))
	return nil
}

// Fetch long-polls for new messages from the held marker.
func (t *Transport) Fetch(ctx context.Context) ([]channel.Update, error) {
	t.mu.Lock()
	opened, marker := t.opened, t.marker
	t.mu.Unlock()
	if !opened {
		return nil, fmt.Errorf("max transport is not open")
	}
	resp, err := t.api.updates(ctx, marker, defaultPollTimeout)
	if err != nil {
		return nil, err
	}
	items := make([]channel.Update, 0, len(resp.Updates))
	for _, update := range resp.Updates {
		items = append(items, convertUpdate(update))
	}
	if resp.Marker != nil {
		next := *resp.Marker
		t.mu.Lock()
		t.marker = &next
		t.mu.Unlock()
	}
	return items, nil
}

// ResetCursor drops the marker.
func (t *Transport) ResetCursor() {
	t.mu.Lock()
	t.marker = nil
	t.mu.Unlock()
}

// Upload runs the /uploads handshake and returns the attachment token.
func (t *Transport) Upload(ctx context.Context, _ string, file channel.File) (channel.AttachmentRef, error) {
	if len(file.Data) == 0 {
		return channel.AttachmentRef{}, fmt.Errorf("max upload %s: empty file", file.Name)
	}
	if int64(len(file.Data)) > maxUploadBytes {
		return channel.AttachmentRef{}, fmt.Errorf("max upload %s: %w: max %d bytes", file.Name, media.ErrAssetTooLarge, maxUploadBytes)
	}
	kind := file.Category()
	token, err := t.api.upload(ctx, uploadType(kind), file.Name, file.Data)
	if err != nil {
		return channel.AttachmentRef{}, err
	}
	return channel.AttachmentRef{Kind: kind, Handle: token}, nil
}

// Send posts a message. Freshly uploaded files may still be processing, so
// attachment.not.ready is retried a few times.
func (t *Transport) Send(ctx context.Context, msg channel.OutboundMessage) error {
	chatID := strings.TrimSpace(msg.Target)
	if chatID == "" {
		return fmt.Errorf("max target is required")
	}
	if msg.IsEmpty() {
		return fmt.Errorf("message is required")
	}
	body := newMessage{Text: strings.TrimSpace(msg.Text)}
	for _, ref := range msg.Attachments {
		if ref.Handle == "" {
			continue
		}
		body.Attachments = append(body.Attachments, outgoingAttachment{
			Type:    uploadType(ref.Kind),
			Payload: attachmentPayload{Token: ref.Handle},
		})
	}
	var err error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		err = t.api.sendMessage(ctx, chatID, body)
		if err == nil || !isAttachmentNotReady(err) || attempt == sendAttempts {
			return err
		}
		t.logger.Debug("max attachment not ready", slog.Int("attempt", attempt))
		timer := time.NewTimer(t.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// Close forgets the marker.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.opened = false
	t.marker = nil
	t.mu.Unlock()
	return nil
}

func uploadType(kind media.MediaType) string {
	switch kind {
	case media.MediaTypeImage:
		return "image"
	case media.MediaTypeAudio:
		return "audio"
	case media.MediaTypeVideo:
		return "video"
	default:
		return "file"
	}
}

func convertUpdate(update maxUpdate) channel.Update {
	item := channel.Update{Kind: channel.UpdateOther}
	msg := update.Message
	if update.UpdateType != "message_created" || msg == nil {
		item.ID = update.UpdateType + ":" + strconv.FormatInt(update.Timestamp, 10)
		return item
	}
	item.Kind = channel.UpdateMessage
	item.ID = msg.Body.MID
	item.Text = msg.Body.Text
	if msg.Recipient.ChatID != 0 {
		item.ChatID = strconv.FormatInt(msg.Recipient.ChatID, 10)
	}
	if msg.Sender != nil {
		item.UserID = strconv.FormatInt(msg.Sender.UserID, 10)
		item.FromBot = msg.Sender.IsBot
	}
	return item
}
