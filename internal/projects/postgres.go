package projects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
)

const selectProjects = `
SELECT p.name, c.channel_type, c.token, c.auto_start, c.options
FROM projects p
LEFT JOIN project_channels c ON c.project = p.name
`

// PostgresStore keeps projects in the projects and project_channels tables.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(log *slog.Logger, pool *pgxpool.Pool) *PostgresStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{
		pool:   pool,
		logger: log.With(slog.String("component", "projects_postgres")),
	}
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]channel.Project, error) {
	rows, err := s.pool.Query(ctx, selectProjects+` ORDER BY p.name, c.channel_type`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	items, err := collectProjects(rows)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, name string) (channel.Project, error) {
	rows, err := s.pool.Query(ctx, selectProjects+` WHERE p.name = $1 ORDER BY c.channel_type`, name)
	if err != nil {
		return channel.Project{}, fmt.Errorf("get project: %w", err)
	}
	items, err := collectProjects(rows)
	if err != nil {
		return channel.Project{}, fmt.Errorf("get project: %w", err)
	}
	if len(items) == 0 {
		return channel.Project{}, fmt.Errorf("%w: %s", channel.ErrProjectNotFound, name)
	}
	return items[0], nil
}

// UpsertProject writes the project and its channels in one transaction.
// Channels absent from project are removed.
func (s *PostgresStore) UpsertProject(ctx context.Context, project channel.Project) error {
	record := FromProject(project)
	if err := record.Validate(); err != nil {
		return err
	}
	types := make([]string, 0, len(record.Channels))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO projects (name) VALUES ($1)
ON CONFLICT (name) DO UPDATE SET updated_at = now()`, record.Name); err != nil {
			return err
		}
		for ct, c := range record.Channels {
			options, err := json.Marshal(nonNilOptions(c.Options))
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
INSERT INTO project_channels (project, channel_type, token, auto_start, options)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (project, channel_type) DO UPDATE
SET token = EXCLUDED.token, auto_start = EXCLUDED.auto_start, options = EXCLUDED.options, updated_at = now()`,
				record.Name, ct, c.Token, c.AutoStart, options); err != nil {
				return err
			}
			types = append(types, ct)
		}
		_, err := tx.Exec(ctx, `DELETE FROM project_channels WHERE project = $1 AND channel_type <> ALL($2)`, record.Name, types)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", record.Name, err)
	}
	s.logger.Info("project saved", slog.String("project", record.Name), slog.Int("channels", len(types)))
	return nil
}

func collectProjects(rows pgx.Rows) ([]channel.Project, error) {
	defer rows.Close()
	items := make([]channel.Project, 0)
	index := map[string]int{}
	for rows.Next() {
		var (
			name      string
			ct        *string
			token     *string
			autoStart *bool
			options   []byte
		)
		if err := rows.Scan(&name, &ct, &token, &autoStart, &options); err != nil {
			return nil, err
		}
		i, ok := index[name]
		if !ok {
			items = append(items, channel.Project{Name: name, Channels: map[channel.ChannelType]channel.ChannelSettings{}})
			i = len(items) - 1
			index[name] = i
		}
		if ct == nil {
			continue
		}
		settings := channel.ChannelSettings{}
		if token != nil {
			settings.Token = *token
		}
		if autoStart != nil {
			settings.AutoStart = *autoStart
		}
		if len(options) > 0 {
			var decoded map[string]string
			if err := json.Unmarshal(options, &decoded); err != nil {
				return nil, fmt.Errorf("decode options for %s/%s: %w", name, *ct, err)
			}
			settings.Options = copyOptions(decoded)
		}
		items[i].Channels[channel.ChannelType(*ct)] = settings
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return items, nil
		}
		return nil, err
	}
	return items, nil
}

func nonNilOptions(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
