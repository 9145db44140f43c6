package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/media"
)

// attachmentFetcher resolves answer attachments to bytes, by internal document
// id first and by URL download second.
type attachmentFetcher struct {
	documents DocumentStore
	client    *http.Client
	maxBytes  int64
}

func (f attachmentFetcher) fetch(ctx context.Context, att Attachment) (File, error) {
	var docErr error
	if id := strings.TrimSpace(att.DocumentID); id != "" && f.documents != nil {
		meta, data, err := f.documents.Resolve(ctx, id)
		if err == nil {
			name := firstNonEmpty(att.Name, meta.Name, id)
			return File{
				Name:        name,
				ContentType: media.DetectContentType(firstNonEmpty(meta.ContentType, att.ContentType), name),
				Data:        data,
			}, nil
		}
		if ctx.Err() != nil {
			return File{}, ctx.Err()
		}
		docErr = fmt.Errorf("resolve document %s: %w", id, err)
	}
	if link := strings.TrimSpace(att.URL); link != "" {
		data, contentType, err := media.Download(ctx, f.client, link, f.maxBytes)
		if err != nil {
			return File{}, errors.Join(docErr, err)
		}
		name := att.DisplayName()
		return File{
			Name:        name,
			ContentType: media.DetectContentType(firstNonEmpty(att.ContentType, contentType), name),
			Data:        data,
		}, nil
	}
	if docErr != nil {
		return File{}, docErr
	}
	return File{}, fmt.Errorf("attachment %q has no document id or url", att.DisplayName())
}

// deliver uploads every attachment and sends them to target. Attachments that
// fail at any step are listed as text fallback lines instead.
func (r *Runner) deliver(ctx context.Context, target string, attachments []Attachment) error {
	refs := make([]AttachmentRef, 0, len(attachments))
	fallbacks := make([]string, 0)
	for _, att := range attachments {
		ref, err := r.prepareAttachment(ctx, target, att)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("attachment degraded to link",
				slog.String("name", att.DisplayName()),
				slog.Any("error", err),
			)
			r.fail(err)
			fallbacks = append(fallbacks, fallbackLine(att))
			continue
		}
		refs = append(refs, ref)
	}
	if len(refs) > 0 {
		if err := r.send(ctx, OutboundMessage{Target: target, Attachments: refs}); err != nil {
			return err
		}
	}
	if len(fallbacks) > 0 {
		text := r.prompts.FallbackHeader + "\n" + strings.Join(fallbacks, "\n")
		if err := r.send(ctx, OutboundMessage{Target: target, Text: text}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) prepareAttachment(ctx context.Context, target string, att Attachment) (AttachmentRef, error) {
	file, err := r.fetcher.fetch(ctx, att)
	if err != nil {
		return AttachmentRef{}, err
	}
	ref, err := r.transport.Upload(ctx, target, file)
	if err != nil {
		return AttachmentRef{}, fmt.Errorf("upload %s: %w", file.Name, err)
	}
	return ref, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
