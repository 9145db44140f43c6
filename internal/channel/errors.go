package channel

import "errors"

var (
	// ErrUnauthorized marks a platform rejection of the bot credential.
	// Runners wait the extended auth delay before retrying.
	ErrUnauthorized = errors.New("channel credential rejected")
	// ErrDesync marks a platform cursor that is no longer valid.
	ErrDesync = errors.New("channel cursor out of sync")
	// ErrCredentialRequired is returned when starting a project without a token.
	ErrCredentialRequired = errors.New("channel credential is required")
	// ErrProjectNotFound is returned by project stores for unknown names.
	ErrProjectNotFound = errors.New("project not found")
	// ErrRunnerStopped is returned by a Start that lost to a concurrent Stop.
	ErrRunnerStopped = errors.New("channel runner stopped")
	// ErrUnsupportedChannel is returned when no hub serves a platform.
	ErrUnsupportedChannel = errors.New("unsupported channel type")
)
