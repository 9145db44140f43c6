package media

import "errors"

var (
	// ErrAssetNotFound indicates the requested document or download does not exist.
	ErrAssetNotFound = errors.New("media asset not found")
	// ErrAssetTooLarge indicates the payload exceeds the configured max asset size.
	ErrAssetTooLarge = errors.New("media asset too large")
	// ErrPathTraversal indicates a storage key attempted directory traversal.
	ErrPathTraversal = errors.New("path traversal is forbidden")
)
