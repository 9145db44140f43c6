package projects

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
)

type fileDocument struct {
	Projects []Record `yaml:"projects"`
}

// FileStore keeps projects in a YAML file. The file is re-read on every
// listing so operators can edit it while the process runs.
type FileStore struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileStore creates a store backed by path. The file need not exist yet.
func NewFileStore(log *slog.Logger, path string) *FileStore {
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{
		path:   path,
		logger: log.With(slog.String("component", "projects_file")),
	}
}

func (s *FileStore) ListProjects(ctx context.Context) ([]channel.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	items := make([]channel.Project, 0, len(records))
	for _, r := range records {
		items = append(items, r.ToProject())
	}
	sortProjects(items)
	return items, nil
}

func (s *FileStore) GetProject(ctx context.Context, name string) (channel.Project, error) {
	if err := ctx.Err(); err != nil {
		return channel.Project{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return channel.Project{}, err
	}
	for _, r := range records {
		if r.Name == name {
			return r.ToProject(), nil
		}
	}
	return channel.Project{}, fmt.Errorf("%w: %s", channel.ErrProjectNotFound, name)
}

// UpsertProject replaces or appends the project and rewrites the file.
func (s *FileStore) UpsertProject(ctx context.Context, project channel.Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record := FromProject(project)
	if err := record.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range records {
		if records[i].Name == record.Name {
			records[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, record)
	}
	if err := s.write(records); err != nil {
		return err
	}
	s.logger.Info("project saved", slog.String("project", record.Name), slog.Bool("created", !replaced))
	return nil
}

func (s *FileStore) load() ([]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read projects file: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode projects file: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Projects))
	for _, r := range doc.Projects {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("duplicate project name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return doc.Projects, nil
}

func (s *FileStore) write(records []Record) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fileDocument{Projects: records}); err != nil {
		return fmt.Errorf("encode projects file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode projects file: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create projects dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".projects-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace projects file: %w", err)
	}
	return nil
}
