package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/media"
)

// Type is the Discord channel type.
const Type channel.ChannelType = "discord"

const (
	discordMaxMessageLength = 2000
	discordMaxUploadBytes   = 10 << 20
	discordMaxFilesPerSend  = 10
	discordPageSize         = 100
)

// OptionChannelIDs lists the text channels polled for a project, comma separated.
const OptionChannelIDs = "channel_ids"

// noCursor marks a channel that had no messages at baseline time.
const noCursor = "0"

// restSession is the part of discordgo.Session the transport uses.
type restSession interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

func newDiscordSession(token string, client *http.Client) (restSession, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	if client != nil {
		session.Client = client
	}
	return session, nil
}

// Transport polls Discord text channels over REST with a per-channel
// "after" cursor. No gateway connection is held.
type Transport struct {
	token    string
	channels []string
	client   *http.Client
	logger   *slog.Logger
	connect  func(token string, client *http.Client) (restSession, error)

	mu      sync.Mutex
	session restSession
	selfID  string
	cursors map[string]string
	// failed holds the channels whose last list request failed.
	failed map[string]struct{}
}

// New builds a Discord transport. It satisfies channel.TransportFactory.
func New(params channel.TransportParams) (channel.Transport, error) {
	token := strings.TrimSpace(params.Settings.Token)
	if token == "" {
		return nil, channel.ErrCredentialRequired
	}
	channels := parseChannelIDs(params.Settings.Option(OptionChannelIDs))
	if len(channels) == 0 {
		return nil, fmt.Errorf("discord option %s is required", OptionChannelIDs)
	}
	log := params.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		token:    token,
		channels: channels,
		client:   params.HTTPClient,
		logger:   log.With(slog.String("adapter", "discord")),
		connect:  newDiscordSession,
		cursors:  map[string]string{},
	}, nil
}

// Descriptor returns the Discord channel metadata.
func (t *Transport) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:                 Type,
		MaxTextLength:        discordMaxMessageLength,
		SupportsConfirmation: true,
	}
}

// Open validates the token with GET /users/@me.
func (t *Transport) Open(ctx context.Context) error {
	session, err := t.connect(t.token, t.client)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	self, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord get current user: %w", classifyError(err))
	}
	t.mu.Lock()
	t.session = session
	t.selfID = self.ID
	t.mu.Unlock()
	t.logger.Info("discord bot connected", slog.String("username", self.Username), slog.Int("channels", len(t.channels)))
	return nil
}

// Fetch polls every configured channel once. A channel without a cursor is
// baselined at its newest message so history is never replayed. A failing
// channel keeps its cursor and does not hold back the others: its error is
// returned only when no channel produced updates.
func (t *Transport) Fetch(ctx context.Context) ([]channel.Update, error) {
	session, selfID, err := t.current()
	if err != nil {
		return nil, err
	}
	items := make([]channel.Update, 0)
	failed := map[string]struct{}{}
	var errs []error
	for _, channelID := range t.channels {
		updates, err := t.fetchChannel(ctx, session, selfID, channelID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed[channelID] = struct{}{}
			errs = append(errs, err)
			continue
		}
		items = append(items, updates...)
	}
	t.mu.Lock()
	t.failed = failed
	t.mu.Unlock()

	if len(errs) == 0 {
		return items, nil
	}
	joined := errors.Join(errs...)
	if len(items) == 0 {
		return nil, joined
	}
	t.logger.Warn("discord channels skipped", slog.Int("failed", len(errs)), slog.Any("error", joined))
	return items, nil
}

// fetchChannel lists one channel after its cursor and advances the cursor.
func (t *Transport) fetchChannel(ctx context.Context, session restSession, selfID, channelID string) ([]channel.Update, error) {
	cursor := t.cursor(channelID)
	if cursor == "" {
		return nil, t.baseline(ctx, session, channelID)
	}
	after := cursor
	if after == noCursor {
		after = ""
	}
	messages, err := session.ChannelMessages(channelID, discordPageSize, "", after, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord list messages in %s: %w", channelID, classifyError(err))
	}
	if cursor == noCursor && len(messages) == 0 {
		return nil, nil
	}
	next := cursor
	items := make([]channel.Update, 0, len(messages))
	for _, msg := range sortMessages(messages) {
		if snowflakeLess(next, msg.ID) {
			next = msg.ID
		}
		items = append(items, convertMessage(channelID, selfID, msg))
	}
	t.setCursor(channelID, next)
	return items, nil
}

func (t *Transport) baseline(ctx context.Context, session restSession, channelID string) error {
	messages, err := session.ChannelMessages(channelID, 1, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord baseline %s: %w", channelID, classifyError(err))
	}
	cursor := noCursor
	if len(messages) > 0 && messages[0] != nil {
		cursor = messages[0].ID
	}
	t.setCursor(channelID, cursor)
	t.logger.Debug("discord channel baselined", slog.String("channel_id", channelID), slog.String("cursor", cursor))
	return nil
}

// ResetCursor forgets the cursors of the channels that failed in the last
// Fetch, or every cursor when none failed. Healthy channels keep their position.
func (t *Transport) ResetCursor() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.failed) == 0 {
		t.cursors = map[string]string{}
		return
	}
	for channelID := range t.failed {
		delete(t.cursors, channelID)
	}
	t.failed = nil
}

// Upload keeps the bytes with the reference. Discord takes files inline.
func (t *Transport) Upload(_ context.Context, _ string, file channel.File) (channel.AttachmentRef, error) {
	if len(file.Data) == 0 {
		return channel.AttachmentRef{}, fmt.Errorf("discord upload %s: empty file", file.Name)
	}
	if len(file.Data) > discordMaxUploadBytes {
		return channel.AttachmentRef{}, fmt.Errorf("discord upload %s: %w: max %d bytes", file.Name, media.ErrAssetTooLarge, discordMaxUploadBytes)
	}
	f := file
	return channel.AttachmentRef{Kind: file.Category(), Handle: file.Name, File: &f}, nil
}

// Send posts the text with up to ten files per message.
func (t *Transport) Send(ctx context.Context, msg channel.OutboundMessage) error {
	session, _, err := t.current()
	if err != nil {
		return err
	}
	channelID := strings.TrimSpace(msg.Target)
	if channelID == "" {
		return fmt.Errorf("discord target is required")
	}
	if msg.IsEmpty() {
		return fmt.Errorf("message is required")
	}
	for _, payload := range buildPayloads(msg) {
		if _, err := session.ChannelMessageSendComplex(channelID, payload, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send message: %w", classifyError(err))
		}
	}
	return nil
}

// Close forgets the session. REST sessions hold no connection to tear down.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.session = nil
	t.selfID = ""
	t.mu.Unlock()
	return nil
}

func (t *Transport) current() (restSession, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil, "", fmt.Errorf("discord transport is not open")
	}
	return t.session, t.selfID, nil
}

func (t *Transport) cursor(channelID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursors[channelID]
}

func (t *Transport) setCursor(channelID, cursor string) {
	t.mu.Lock()
	t.cursors[channelID] = cursor
	t.mu.Unlock()
}

func buildPayloads(msg channel.OutboundMessage) []*discordgo.MessageSend {
	text := strings.TrimSpace(msg.Text)
	files := make([]*discordgo.File, 0, len(msg.Attachments))
	for _, ref := range msg.Attachments {
		if ref.File == nil {
			continue
		}
		files = append(files, &discordgo.File{
			Name:        ref.File.Name,
			ContentType: ref.File.ContentType,
			Reader:      bytes.NewReader(ref.File.Data),
		})
	}
	if len(files) == 0 {
		return []*discordgo.MessageSend{{Content: text}}
	}
	payloads := make([]*discordgo.MessageSend, 0, (len(files)+discordMaxFilesPerSend-1)/discordMaxFilesPerSend)
	for start := 0; start < len(files); start += discordMaxFilesPerSend {
		end := min(start+discordMaxFilesPerSend, len(files))
		payload := &discordgo.MessageSend{Files: files[start:end]}
		if start == 0 {
			payload.Content = text
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

func convertMessage(channelID, selfID string, msg *discordgo.Message) channel.Update {
	item := channel.Update{
		ID:     msg.ID,
		Kind:   channel.UpdateOther,
		ChatID: channelID,
		Text:   msg.Content,
	}
	if msg.Type == discordgo.MessageTypeDefault || msg.Type == discordgo.MessageTypeReply {
		item.Kind = channel.UpdateMessage
	}
	if msg.Author != nil {
		item.UserID = msg.Author.ID
		item.FromBot = msg.Author.Bot || (selfID != "" && msg.Author.ID == selfID)
	}
	return item
}

func parseChannelIDs(raw string) []string {
	seen := map[string]struct{}{}
	items := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		items = append(items, id)
	}
	return items
}

// sortMessages drops nil entries and orders the rest oldest first.
func sortMessages(messages []*discordgo.Message) []*discordgo.Message {
	items := make([]*discordgo.Message, 0, len(messages))
	for _, msg := range messages {
		if msg != nil {
			items = append(items, msg)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return snowflakeLess(items[i].ID, items[j].ID)
	})
	return items
}

// snowflakeLess orders Discord ids numerically.
func snowflakeLess(a, b string) bool {
	av, aerr := strconv.ParseUint(a, 10, 64)
	bv, berr := strconv.ParseUint(b, 10, 64)
	if aerr != nil || berr != nil {
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	}
	return av < bv
}

// classifyError maps discordgo failures to channel sentinels.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, discordgo.ErrUnauthorized) {
		return fmt.Errorf("%w: %w", channel.ErrUnauthorized, err)
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %w", channel.ErrUnauthorized, err)
	}
	return err
}
