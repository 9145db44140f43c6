package channel

import (
	"context"
	"log/slog"
	"net/http"
)

// Transport is the platform-specific half of a Runner. The Runner loop drives
// it from a single goroutine; implementations hold their own polling cursor.
type Transport interface {
	Descriptor() Descriptor
	// Open performs the credential handshake and prepares the cursor.
	Open(ctx context.Context) error
	// Fetch returns the next update batch and advances the cursor.
	Fetch(ctx context.Context) ([]Update, error)
	// ResetCursor forgets the cursor so the next Fetch starts from "unknown".
	ResetCursor()
	// Upload turns a file into a reference that Send can embed.
	Upload(ctx context.Context, target string, file File) (AttachmentRef, error)
	Send(ctx context.Context, msg OutboundMessage) error
	// Close releases connections. Open may be called again afterwards.
	Close() error
}

// Descriptor holds read-only metadata for a platform transport.
type Descriptor struct {
	Type          ChannelType
	MaxTextLength int
	// TextUnit is how the platform counts MaxTextLength.
	TextUnit TextUnit
	// SupportsConfirmation reports that replies from the same conversation reach
	// the bot, so attachment offers can wait for a yes/no answer.
	SupportsConfirmation bool
}

// TransportParams carries what a factory needs to build one project's transport.
type TransportParams struct {
	Project    string
	Settings   ChannelSettings
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// TransportFactory builds a transport for one project credential.
type TransportFactory func(params TransportParams) (Transport, error)

// AnswerBackend generates answers for user questions.
type AnswerBackend interface {
	Answer(ctx context.Context, req AnswerRequest) (Answer, error)
}

// DocumentStore resolves internal document ids to bytes.
// Unknown ids return an error wrapping media.ErrAssetNotFound.
type DocumentStore interface {
	Resolve(ctx context.Context, documentID string) (DocumentMeta, []byte, error)
}

// ProjectLister lists projects for periodic reconciliation.
type ProjectLister interface {
	ListProjects(ctx context.Context) ([]Project, error)
}

// ProjectStore is the configuration store consumed by hubs.
// GetProject returns ErrProjectNotFound for unknown names.
type ProjectStore interface {
	ProjectLister
	GetProject(ctx context.Context, name string) (Project, error)
	UpsertProject(ctx context.Context, project Project) error
}
