package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/config"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/documents"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/media"
)

func newDocumentsCmd(load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "Manage documents that answers can attach by id",
	}
	cmd.AddCommand(newDocumentsPutCmd(load))
	return cmd
}

func newDocumentsPutCmd(load func() (config.Config, error)) *cobra.Command {
	var (
		name        string
		contentType string
		description string
		link        string
	)
	cmd := &cobra.Command{
		Use:   "put <id> <file>",
		Short: "Store a file under a document id, replacing any previous version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := documents.New(cfg.Documents.Root, cfg.Documents.MaxDownloadBytes)
			if err != nil {
				return err
			}
			id, path := strings.TrimSpace(args[0]), args[1]
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer f.Close()

			if strings.TrimSpace(name) == "" {
				name = filepath.Base(path)
			}
			doc := channel.DocumentMeta{
				ID:          id,
				Name:        name,
				ContentType: media.DetectContentType(contentType, name),
				Description: description,
				URL:         link,
			}
			if err := store.Put(cmd.Context(), doc, f); err != nil {
				return fmt.Errorf("store document %s: %w", id, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "stored %s (%s)\n", id, doc.ContentType)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "file name shown to users (defaults to the file's base name)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "MIME type (detected from the name when empty)")
	cmd.Flags().StringVar(&description, "description", "", "short description used in attachment offers")
	cmd.Flags().StringVar(&link, "url", "", "public link sent when the upload fails")
	return cmd
}
