package vk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/SevereCloud/vksdk/v3/api"
	"github.com/SevereCloud/vksdk/v3/events"
	longpoll "github.com/SevereCloud/vksdk/v3/longpoll-bot"
	"github.com/google/uuid"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/media"
)

// Type is the VK channel type.
const Type channel.ChannelType = "vk"

const (
	vkMaxMessageLength = 4096
	vkMaxUploadBytes   = 200 << 20
	vkPhotoMaxBytes    = 50 << 20
	defaultWait        = 25
)

// Settings options understood by the VK transport.
const (
	// OptionGroupID pins the community id instead of resolving it from the token.
	OptionGroupID = "group_id"
	// OptionAPIURL overrides the method API base URL.
	OptionAPIURL = "api_url"
)

// Transport reads the Bots Long Poll API of a VK community through vksdk.
// The long poll client runs in its own goroutine and hands each a_check
// response to Fetch, so the (server, key, ts) cursor stays inside vksdk.
type Transport struct {
	vk      *api.VK
	groupID int
	logger  *slog.Logger

	mu     sync.Mutex
	opened bool
	lp     *longpoll.LongPoll
	poll   *poller
}

// poller is one running long poll session.
type poller struct {
	lp      *longpoll.LongPoll
	batches chan longpoll.Response
	done    chan struct{}
	cancel  context.CancelFunc
	// err is written before done is closed.
	err error
}

// New builds a VK transport. It satisfies channel.TransportFactory.
func New(params channel.TransportParams) (channel.Transport, error) {
	token := strings.TrimSpace(params.Settings.Token)
	if token == "" {
		return nil, channel.ErrCredentialRequired
	}
	groupID := 0
	if raw := params.Settings.Option(OptionGroupID); raw != "" {
		id, err := strconv.Atoi(strings.TrimPrefix(raw, "-"))
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("vk option %s: invalid community id %q", OptionGroupID, raw)
		}
		groupID = id
	}
	log := params.Logger
	if log == nil {
		log = slog.Default()
	}
	vk := api.NewVK(token)
	if client := params.HTTPClient; client != nil {
		vk.Client = client
	} else {
		vk.Client = &http.Client{Timeout: (defaultWait + 35) * time.Second}
	}
	if base := params.Settings.Option(OptionAPIURL); base != "" {
		vk.MethodURL = strings.TrimRight(base, "/") + "/"
	}
	return &Transport{
		vk:      vk,
		groupID: groupID,
		logger:  log.With(slog.String("adapter", "vk")),
	}, nil
}

// Descriptor returns the VK channel metadata.
func (t *Transport) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:                 Type,
		MaxTextLength:        vkMaxMessageLength,
		SupportsConfirmation: true,
	}
}

// Open resolves the community and requests the first long poll server.
func (t *Transport) Open(_ context.Context) error {
	lp, err := t.newLongPoll()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.lp = lp
	t.opened = true
	t.mu.Unlock()
	t.logger.Info("vk community connected", slog.Int("group_id", lp.GroupID))
	return nil
}

func (t *Transport) newLongPoll() (*longpoll.LongPoll, error) {
	var (
		lp  *longpoll.LongPoll
		err error
	)
	if t.groupID != 0 {
		lp, err = longpoll.NewLongPoll(t.vk, t.groupID)
	} else {
		lp, err = longpoll.NewLongPollCommunity(t.vk)
	}
	if err != nil {
		return nil, fmt.Errorf("vk long poll server: %w", classifyError(err))
	}
	lp.Wait = defaultWait
	if t.groupID == 0 {
		t.groupID = lp.GroupID
	}
	return lp, nil
}

// Fetch returns the updates of the next a_check response. Failed 1, 2 and 3
// responses are handled inside vksdk and surface as empty batches.
func (t *Transport) Fetch(ctx context.Context) ([]channel.Update, error) {
	p, err := t.session()
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-p.batches:
		items := make([]channel.Update, 0, len(resp.Updates))
		for _, event := range resp.Updates {
			items = append(items, convertEvent(event))
		}
		return items, nil
	case <-p.done:
		t.dropPoller(p)
		if p.err == nil {
			return nil, fmt.Errorf("vk long poll stopped")
		}
		return nil, fmt.Errorf("vk long poll: %w", classifyError(p.err))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// session returns the running long poll session, starting one when needed.
// A session is started from a fresh server after ResetCursor.
func (t *Transport) session() (*poller, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.opened {
		return nil, fmt.Errorf("vk transport is not open")
	}
	if t.poll != nil {
		return t.poll, nil
	}
	lp := t.lp
	t.lp = nil
	if lp == nil {
		fresh, err := t.newLongPoll()
		if err != nil {
			return nil, err
		}
		lp = fresh
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{
		lp:      lp,
		batches: make(chan longpoll.Response),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	lp.FullResponse(func(resp longpoll.Response) {
		select {
		case p.batches <- resp:
		case <-ctx.Done():
		}
	})
	go func() {
		defer close(p.done)
		p.err = lp.RunWithContext(ctx)
	}()
	t.poll = p
	return p, nil
}

func (t *Transport) dropPoller(p *poller) {
	t.mu.Lock()
	if t.poll == p {
		t.poll = nil
	}
	t.mu.Unlock()
	p.stop()
}

func (p *poller) stop() {
	p.cancel()
	p.lp.Shutdown()
}

// ResetCursor stops the long poll session. The next Fetch asks VK for a new
// server, key and ts.
func (t *Transport) ResetCursor() {
	t.mu.Lock()
	p := t.poll
	t.poll = nil
	t.lp = nil
	t.mu.Unlock()
	if p != nil {
		p.stop()
		<-p.done
	}
}

// Upload runs the vksdk upload handshake and returns a "photo…" or "doc…"
// attachment string.
func (t *Transport) Upload(_ context.Context, target string, file channel.File) (channel.AttachmentRef, error) {
	peerID, err := parsePeerID(target)
	if err != nil {
		return channel.AttachmentRef{}, err
	}
	if len(file.Data) == 0 {
		return channel.AttachmentRef{}, fmt.Errorf("vk upload %s: empty file", file.Name)
	}
	kind := file.Category()
	if kind == media.MediaTypeImage && len(file.Data) <= vkPhotoMaxBytes {
		photos, err := t.vk.UploadMessagesPhoto(peerID, bytes.NewReader(file.Data))
		if err != nil {
			return channel.AttachmentRef{}, fmt.Errorf("vk upload photo %s: %w", file.Name, classifyError(err))
		}
		if len(photos) == 0 {
			return channel.AttachmentRef{}, fmt.Errorf("vk upload photo %s: empty response", file.Name)
		}
		return channel.AttachmentRef{Kind: kind, Handle: photos[0].ToAttachment()}, nil
	}
	if len(file.Data) > vkMaxUploadBytes {
		return channel.AttachmentRef{}, fmt.Errorf("vk upload %s: %w: max %d bytes", file.Name, media.ErrAssetTooLarge, vkMaxUploadBytes)
	}
	saved, err := t.vk.UploadMessagesDoc(peerID, "doc", file.Name, "", bytes.NewReader(file.Data))
	if err != nil {
		return channel.AttachmentRef{}, fmt.Errorf("vk upload doc %s: %w", file.Name, classifyError(err))
	}
	return channel.AttachmentRef{Kind: media.MediaTypeFile, Handle: saved.Doc.ToAttachment()}, nil
}

// Send calls messages.send with the text and attachment strings.
func (t *Transport) Send(_ context.Context, msg channel.OutboundMessage) error {
	peerID, err := parsePeerID(msg.Target)
	if err != nil {
		return err
	}
	if msg.IsEmpty() {
		return fmt.Errorf("message is required")
	}
	handles := make([]string, 0, len(msg.Attachments))
	for _, ref := range msg.Attachments {
		if handle := strings.TrimSpace(ref.Handle); handle != "" {
			handles = append(handles, handle)
		}
	}
	params := api.Params{
		"peer_id":   peerID,
		"random_id": randomID(),
	}
	if text := strings.TrimSpace(msg.Text); text != "" {
		params["message"] = text
	}
	if len(handles) > 0 {
		params["attachment"] = strings.Join(handles, ",")
	}
	if _, err := t.vk.MessagesSend(params); err != nil {
		return fmt.Errorf("vk messages.send: %w", classifyError(err))
	}
	return nil
}

// Close stops the long poll session and waits for its goroutine.
func (t *Transport) Close() error {
	t.ResetCursor()
	t.mu.Lock()
	t.opened = false
	t.mu.Unlock()
	return nil
}

func parsePeerID(target string) (int, error) {
	raw := strings.TrimSpace(target)
	if raw == "" {
		return 0, fmt.Errorf("vk target is required")
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("vk target %q is not a peer id", raw)
	}
	return id, nil
}

func convertEvent(event events.GroupEvent) channel.Update {
	item := channel.Update{ID: event.EventID, Kind: channel.UpdateOther}
	if event.Type != events.EventMessageNew {
		return item
	}
	var payload events.MessageNewObject
	if err := json.Unmarshal(event.Object, &payload); err != nil {
		return item
	}
	msg := payload.Message
	item.Kind = channel.UpdateMessage
	if item.ID == "" {
		item.ID = strconv.Itoa(msg.ID)
	}
	if msg.PeerID != 0 {
		item.ChatID = strconv.Itoa(msg.PeerID)
	}
	if msg.FromID != 0 {
		item.UserID = strconv.Itoa(msg.FromID)
	}
	item.Text = msg.Text
	// Negative ids belong to communities, including this bot.
	item.FromBot = msg.FromID < 0
	return item
}

// classifyError maps rejected community tokens to channel.ErrUnauthorized.
func classifyError(err error) error {
	if errors.Is(err, api.ErrAuth) || errors.Is(err, api.ErrGroupAuth) {
		return fmt.Errorf("%w: %w", channel.ErrUnauthorized, err)
	}
	return err
}

// randomID is the deduplication key messages.send requires.
func randomID() int {
	return int(uuid.New().ID() & 0x7fffffff)
}
