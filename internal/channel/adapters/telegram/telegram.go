package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/media"
)

// Type is the Telegram channel type.
const Type channel.ChannelType = "telegram"

const (
	telegramMaxMessageLength = 4096
	telegramMaxUploadBytes   = 50 << 20
	defaultPollTimeout       = 25
	maxRetryAfter            = 30 * time.Second
)

// OptionAPIEndpoint overrides the Bot API endpoint format ("https://host/bot%s/%s").
const OptionAPIEndpoint = "api_endpoint"

var setLoggerOnce sync.Once

// Transport polls the Bot API with getUpdates and an offset cursor.
type Transport struct {
	token    string
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	mu     sync.Mutex
	bot    *tgbotapi.BotAPI
	offset int
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Telegram transport. It satisfies channel.TransportFactory.
func New(params channel.TransportParams) (channel.Transport, error) {
	token := strings.TrimSpace(params.Settings.Token)
	if token == "" {
		return nil, channel.ErrCredentialRequired
	}
	log := params.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("adapter", "telegram"))
	setLoggerOnce.Do(func() {
		_ = tgbotapi.SetLogger(&slogBotLogger{log: log})
	})
	client := params.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: (defaultPollTimeout + 35) * time.Second}
	}
	endpoint := params.Settings.Option(OptionAPIEndpoint)
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &Transport{
		token:    token,
		endpoint: endpoint,
		client:   client,
		logger:   log,
	}, nil
}

// Descriptor returns the Telegram channel metadata.
func (t *Transport) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:                 Type,
		MaxTextLength:        telegramMaxMessageLength,
		TextUnit:             channel.TextUnitUTF16,
		SupportsConfirmation: true,
	}
}

// Open validates the token with getMe. Requests issued through the bot are
// bound to a connection context that Close cancels.
func (t *Transport) Open(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	client := &http.Client{
		Timeout:   t.client.Timeout,
		Transport: &boundTransport{ctx: connCtx, base: t.client.Transport},
	}
	type result struct {
		bot *tgbotapi.BotAPI
		err error
	}
	ch := make(chan result, 1)
	go func() {
		bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, client)
		ch <- result{bot: bot, err: err}
	}()
	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	if res.err != nil {
		cancel()
		return fmt.Errorf("telegram getMe: %w", classifyError(res.err))
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.bot = res.bot
	t.ctx = connCtx
	t.cancel = cancel
	t.mu.Unlock()
	t.logger.Info("telegram bot connected", slog.String("username", res.bot.Self.UserName))
	return nil
}

// Fetch long-polls getUpdates from the held offset.
func (t *Transport) Fetch(ctx context.Context) ([]channel.Update, error) {
	bot, err := t.current()
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	cfg := tgbotapi.NewUpdate(t.offset)
	t.mu.Unlock()
	cfg.Timeout = defaultPollTimeout
	cfg.AllowedUpdates = []string{"message"}

	type result struct {
		updates []tgbotapi.Update
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		updates, err := bot.GetUpdates(cfg)
		ch <- result{updates: updates, err: err}
	}()
	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", classifyError(res.err))
	}

	items := make([]channel.Update, 0, len(res.updates))
	next := cfg.Offset
	for _, update := range res.updates {
		if update.UpdateID >= next {
			next = update.UpdateID + 1
		}
		items = append(items, convertUpdate(update))
	}
	t.mu.Lock()
	t.offset = next
	t.mu.Unlock()
	return items, nil
}

// ResetCursor drops the offset. Telegram then redelivers unconfirmed updates.
func (t *Transport) ResetCursor() {
	t.mu.Lock()
	t.offset = 0
	t.mu.Unlock()
}

// Upload keeps the bytes with the reference. Telegram accepts files inline.
func (t *Transport) Upload(_ context.Context, _ string, file channel.File) (channel.AttachmentRef, error) {
	if len(file.Data) == 0 {
		return channel.AttachmentRef{}, fmt.Errorf("telegram upload %s: empty file", file.Name)
	}
	if len(file.Data) > telegramMaxUploadBytes {
		return channel.AttachmentRef{}, fmt.Errorf("telegram upload %s: %w: max %d bytes", file.Name, media.ErrAssetTooLarge, telegramMaxUploadBytes)
	}
	f := file
	return channel.AttachmentRef{Kind: file.Category(), Handle: file.Name, File: &f}, nil
}

// Send delivers the text and then every attachment as a separate message.
func (t *Transport) Send(ctx context.Context, msg channel.OutboundMessage) error {
	bot, err := t.current()
	if err != nil {
		return err
	}
	target := strings.TrimSpace(msg.Target)
	if target == "" {
		return fmt.Errorf("telegram target is required")
	}
	if msg.IsEmpty() {
		return fmt.Errorf("message is required")
	}
	if text := sanitizeTelegramText(msg.Text); strings.TrimSpace(text) != "" {
		cfg, err := buildTelegramText(target, text)
		if err != nil {
			return err
		}
		if err := t.send(ctx, bot, cfg); err != nil {
			return fmt.Errorf("telegram send text: %w", err)
		}
	}
	for _, ref := range msg.Attachments {
		cfg, err := buildTelegramAttachment(target, ref)
		if err != nil {
			return err
		}
		if err := t.send(ctx, bot, cfg); err != nil {
			return fmt.Errorf("telegram send %s: %w", ref.Handle, err)
		}
	}
	return nil
}

// Close cancels in-flight requests and forgets the bot.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	t.bot = nil
	t.ctx = nil
	t.cancel = nil
	return nil
}

func (t *Transport) current() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot == nil {
		return nil, fmt.Errorf("telegram transport is not open")
	}
	return t.bot, nil
}

// send retries once when Telegram asks to slow down.
func (t *Transport) send(ctx context.Context, bot *tgbotapi.BotAPI, cfg tgbotapi.Chattable) error {
	_, err := bot.Send(cfg)
	if err == nil || !isTelegramTooManyRequests(err) {
		return classifyError(err)
	}
	wait := getTelegramRetryAfter(err)
	if wait <= 0 || wait > maxRetryAfter {
		return classifyError(err)
	}
	t.logger.Warn("telegram rate limited", slog.Duration("retry_after", wait))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	_, err = bot.Send(cfg)
	return classifyError(err)
}

func convertUpdate(update tgbotapi.Update) channel.Update {
	item := channel.Update{ID: strconv.Itoa(update.UpdateID), Kind: channel.UpdateOther}
	msg := update.Message
	if msg == nil {
		return item
	}
	item.Kind = channel.UpdateMessage
	item.Text = msg.Text
	if strings.TrimSpace(item.Text) == "" {
		item.Text = msg.Caption
	}
	if msg.Chat != nil {
		item.ChatID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	switch {
	case msg.From != nil:
		item.UserID = strconv.FormatInt(msg.From.ID, 10)
		item.FromBot = msg.From.IsBot
	case msg.SenderChat != nil:
		item.UserID = strconv.FormatInt(msg.SenderChat.ID, 10)
	}
	return item
}

func buildTelegramText(target, text string) (tgbotapi.MessageConfig, error) {
	if strings.HasPrefix(target, "@") {
		return tgbotapi.NewMessageToChannel(target, text), nil
	}
	chatID, err := parseChatID(target)
	if err != nil {
		return tgbotapi.MessageConfig{}, err
	}
	return tgbotapi.NewMessage(chatID, text), nil
}

func buildTelegramAttachment(target string, ref channel.AttachmentRef) (tgbotapi.Chattable, error) {
	if ref.File == nil || len(ref.File.Data) == 0 {
		return nil, fmt.Errorf("attachment reference is required")
	}
	chatID, err := parseChatID(target)
	if err != nil {
		return nil, err
	}
	file := tgbotapi.FileBytes{Name: ref.File.Name, Bytes: ref.File.Data}
	switch ref.Kind {
	case media.MediaTypeImage:
		return tgbotapi.NewPhoto(chatID, file), nil
	case media.MediaTypeAudio:
		return tgbotapi.NewAudio(chatID, file), nil
	case media.MediaTypeVideo:
		return tgbotapi.NewVideo(chatID, file), nil
	default:
		return tgbotapi.NewDocument(chatID, file), nil
	}
}

func parseChatID(target string) (int64, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram target must be chat_id")
	}
	return chatID, nil
}

// classifyError maps Bot API failures to channel sentinels.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	switch telegramErrorCode(err) {
	case http.StatusUnauthorized, http.StatusNotFound:
		return fmt.Errorf("%w: %w", channel.ErrUnauthorized, err)
	case http.StatusConflict:
		return fmt.Errorf("%w: %w", channel.ErrDesync, err)
	}
	return err
}

func telegramAPIError(err error) (tgbotapi.Error, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var apiErr tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return tgbotapi.Error{}, false
}

func telegramErrorCode(err error) int {
	if apiErr, ok := telegramAPIError(err); ok {
		return apiErr.Code
	}
	return 0
}

func isTelegramTooManyRequests(err error) bool {
	return telegramErrorCode(err) == http.StatusTooManyRequests
}

func getTelegramRetryAfter(err error) time.Duration {
	if apiErr, ok := telegramAPIError(err); ok && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	return 0
}

// sanitizeTelegramText ensures text is valid UTF-8 for the Telegram API.
func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// boundTransport ties every request to the connection context.
type boundTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (b *boundTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := b.base
	if base == nil {
		base = http.DefaultTransport
	}
	ctx, cancel := context.WithCancel(req.Context())
	stop := context.AfterFunc(b.ctx, cancel)
	resp, err := base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, release: func() {
		stop()
		cancel()
	}}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
