// Package channel runs per-project polling connections to external chat platforms.
// It defines the Hub that owns one platform's Runners, the Runner loop shared by
// every platform transport, and the registries of sessions, pending attachment
// offers and last errors kept for each project.
package channel

import (
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/media"
)

// ChannelType identifies a messaging platform (e.g., "telegram", "vk").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

func normalizeChannelType(raw string) ChannelType {
	return ChannelType(strings.ToLower(strings.TrimSpace(raw)))
}

// ParseChannelType normalizes a user supplied platform name.
func ParseChannelType(raw string) ChannelType {
	return normalizeChannelType(raw)
}

// ChannelSettings is one platform's configuration inside a project.
type ChannelSettings struct {
	Token     string
	AutoStart bool
	Options   map[string]string
}

// Option returns the trimmed value for the given key, or empty string if absent.
func (s ChannelSettings) Option(key string) string {
	if s.Options == nil {
		return ""
	}
	return strings.TrimSpace(s.Options[key])
}

// Project is a tenant with per-platform credentials and auto-start flags.
type Project struct {
	Name     string
	Channels map[ChannelType]ChannelSettings
}

// Settings returns the project's settings for channelType.
func (p Project) Settings(channelType ChannelType) (ChannelSettings, bool) {
	if p.Channels == nil {
		return ChannelSettings{}, false
	}
	s, ok := p.Channels[normalizeChannelType(channelType.String())]
	return s, ok
}

// UpdateKind classifies an inbound platform event.
type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateOther   UpdateKind = "other"
)

// Update is one decoded event returned by a transport fetch.
type Update struct {
	ID      string
	Kind    UpdateKind
	ChatID  string
	UserID  string
	Target  string
	Text    string
	FromBot bool
}

// ConversationKey returns the stable key used for sessions and pending offers:
// the chat id, else the user id.
func (u Update) ConversationKey() string {
	if key := strings.TrimSpace(u.ChatID); key != "" {
		return key
	}
	return strings.TrimSpace(u.UserID)
}

// ReplyTarget returns where answers for this update are delivered.
func (u Update) ReplyTarget() string {
	if target := strings.TrimSpace(u.Target); target != "" {
		return target
	}
	return u.ConversationKey()
}

// Attachment is a document offered by the answer backend.
type Attachment struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	DocumentID  string `json:"doc_id,omitempty"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// DisplayName returns the attachment title used in previews and fallbacks.
func (a Attachment) DisplayName() string {
	if name := strings.TrimSpace(a.Name); name != "" {
		return name
	}
	if id := strings.TrimSpace(a.DocumentID); id != "" {
		return id
	}
	if u, err := url.Parse(strings.TrimSpace(a.URL)); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return "document"
}

// Answer is the backend reply for one user question.
type Answer struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// AnswerRequest carries one question to the answer backend.
type AnswerRequest struct {
	Text      string
	Project   string
	SessionID string
	Channel   ChannelType
}

// DocumentMeta describes a document resolved from the document store.
type DocumentMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// File is an attachment payload ready for upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Category maps the file to its upload category.
func (f File) Category() media.MediaType {
	return media.Classify(f.ContentType, f.Name)
}

// AttachmentRef is the platform handle produced by an upload. Handle is set for
// platforms with a separate upload step; File is set when bytes travel with the message.
type AttachmentRef struct {
	Kind   media.MediaType
	Handle string
	File   *File
}

// OutboundMessage is a text and/or attachments sent to one target.
type OutboundMessage struct {
	Target      string
	Text        string
	Attachments []AttachmentRef
}

// IsEmpty reports whether the message carries nothing to send.
func (m OutboundMessage) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Attachments) == 0
}

// PendingAttachment is an attachment offer awaiting a yes/no reply.
type PendingAttachment struct {
	Attachments []Attachment
	Preview     string
	CreatedAt   time.Time
}

// ErrorRecord is the last failure observed for a project.
type ErrorRecord struct {
	Message    string
	OccurredAt time.Time
}

// ConnectionStatus describes runtime status for one project's platform connection.
// State is empty for projects that only have a recorded error and no runner.
type ConnectionStatus struct {
	Project     string      `json:"project"`
	ChannelType ChannelType `json:"channel_type"`
	State       RunnerState `json:"state,omitempty"`
	Running     bool        `json:"running"`
	LastError   string      `json:"last_error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
