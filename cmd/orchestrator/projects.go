package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/config"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/db"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/logger"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/projects"
)

func newProjectsCmd(load func() (config.Config, error)) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List configured projects and which platforms have credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logger.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
			store, closeStore, err := openProjectStore(cmd.Context(), log, cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			items, err := store.ListProjects(cmd.Context())
			if err != nil {
				return fmt.Errorf("list projects: %w", err)
			}
			summaries := make([]projects.Summary, 0, len(items))
			for _, p := range items {
				summaries = append(summaries, projects.Summarize(p))
			}
			return writeProjects(cmd.OutOrStdout(), summaries, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newMigrateCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres schema migrations for the project store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := db.Migrate(cfg.Postgres.DSN()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return err
		},
	}
}

func openProjectStore(ctx context.Context, log *slog.Logger, cfg config.Config) (channel.ProjectLister, func(), error) {
	if cfg.Projects.Source != config.ProjectsSourcePostgres {
		return projects.NewFileStore(log, cfg.Projects.Path), func() {}, nil
	}
	conn, err := openPostgres(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return projects.NewPostgresStore(log, conn), conn.Close, nil
}

func writeProjects(w io.Writer, items []projects.Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECT\tCHANNELS")
	for _, item := range items {
		parts := make([]string, 0, len(item.Channels))
		for _, c := range item.Channels {
			part := c.Type.String()
			if !c.HasToken {
				part += "(no token)"
			} else if c.AutoStart {
				part += "*"
			}
			parts = append(parts, part)
		}
		channels := strings.Join(parts, ", ")
		if channels == "" {
			channels = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\n", item.Name, channels)
	}
	return tw.Flush()
}
