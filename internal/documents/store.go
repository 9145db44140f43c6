// Package documents implements channel.DocumentStore on the local filesystem.
// Each document lives in <root>/<id>/ with a meta.json descriptor and a
// content file holding the bytes.
package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/media"
)

const (
	metaFile    = "meta.json"
	contentFile = "content"
)

type meta struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Store resolves document ids below a root directory.
type Store struct {
	root     string
	maxBytes int64
}

// New creates a filesystem document store. maxBytes <= 0 uses media.MaxAssetBytes.
func New(root string, maxBytes int64) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve documents root: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = media.MaxAssetBytes
	}
	return &Store{root: abs, maxBytes: maxBytes}, nil
}

// Resolve implements channel.DocumentStore.
func (s *Store) Resolve(_ context.Context, documentID string) (channel.DocumentMeta, []byte, error) {
	dir, err := s.documentDir(documentID)
	if err != nil {
		return channel.DocumentMeta{}, nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return channel.DocumentMeta{}, nil, fmt.Errorf("document %s: %w", documentID, media.ErrAssetNotFound)
		}
		return channel.DocumentMeta{}, nil, fmt.Errorf("read document meta: %w", err)
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return channel.DocumentMeta{}, nil, fmt.Errorf("decode document meta %s: %w", documentID, err)
	}
	f, err := os.Open(filepath.Join(dir, contentFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return channel.DocumentMeta{}, nil, fmt.Errorf("document %s content: %w", documentID, media.ErrAssetNotFound)
		}
		return channel.DocumentMeta{}, nil, fmt.Errorf("open document content: %w", err)
	}
	defer f.Close()
	data, err := media.ReadAllWithLimit(f, s.maxBytes)
	if err != nil {
		return channel.DocumentMeta{}, nil, fmt.Errorf("read document %s: %w", documentID, err)
	}
	name := strings.TrimSpace(m.Name)
	if name == "" {
		name = documentID
	}
	return channel.DocumentMeta{
		ID:          documentID,
		Name:        name,
		ContentType: media.DetectContentType(m.ContentType, name),
		Description: m.Description,
		URL:         m.URL,
	}, data, nil
}

// Put writes a document, replacing any previous version.
func (s *Store) Put(_ context.Context, doc channel.DocumentMeta, content io.Reader) error {
	dir, err := s.documentDir(doc.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create document dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, contentFile))
	if err != nil {
		return fmt.Errorf("create content file: %w", err)
	}
	if _, err := io.Copy(f, content); err != nil {
		_ = f.Close()
		return fmt.Errorf("write content file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close content file: %w", err)
	}
	raw, err := json.MarshalIndent(meta{
		Name:        doc.Name,
		ContentType: doc.ContentType,
		Description: doc.Description,
		URL:         doc.URL,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), raw, 0o644); err != nil {
		return fmt.Errorf("write document meta: %w", err)
	}
	return nil
}

// documentDir maps an id to its directory, rejecting ids that escape the root.
func (s *Store) documentDir(documentID string) (string, error) {
	id := strings.TrimSpace(documentID)
	if id == "" {
		return "", fmt.Errorf("document id is required")
	}
	clean := filepath.Clean(id)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || strings.ContainsRune(clean, filepath.Separator) {
		return "", fmt.Errorf("%w: %s", media.ErrPathTraversal, documentID)
	}
	joined := filepath.Join(s.root, clean)
	if !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", media.ErrPathTraversal, documentID)
	}
	return joined, nil
}
