package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/config"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/documents"
)

func TestDocumentsPutCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "manual.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.7"), 0o600))

	cfg := config.Default()
	cfg.Documents.Root = filepath.Join(dir, "docs")
	cmd := newDocumentsCmd(func() (config.Config, error) { return cfg, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"put", "manual", src, "--description", "Operator manual"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "stored manual (application/pdf)\n", out.String())

	store, err := documents.New(cfg.Documents.Root, 0)
	require.NoError(t, err)
	meta, data, err := store.Resolve(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, "manual.pdf", meta.Name)
	assert.Equal(t, "application/pdf", meta.ContentType)
	assert.Equal(t, "Operator manual", meta.Description)
	assert.Equal(t, []byte("%PDF-1.7"), data)
}

func TestDocumentsPutRejectsTraversal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))

	cfg := config.Default()
	cfg.Documents.Root = filepath.Join(dir, "docs")
	cmd := newDocumentsCmd(func() (config.Config, error) { return cfg, nil })
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"put", "../escape", src})
	require.Error(t, cmd.Execute())
}
