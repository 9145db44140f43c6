package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestRunner(t *testing.T, factory *fakeFactory, backend AnswerBackend, docs DocumentStore, opts HubOptions) (*Hub, *fakeTransport) {
	t.Helper()
	hub := newTestHub(t, factory, newFakeProjectStore(), backend, docs, opts)
	require.NoError(t, hub.StartProject(context.Background(), testProject("alpha", "tok", true), nil))
	tr := factory.latest("alpha")
	require.NotNil(t, tr)
	return hub, tr
}

func sentTexts(tr *fakeTransport) []string {
	items := make([]string, 0)
	for _, msg := range tr.sentMessages() {
		if msg.Text != "" {
			items = append(items, msg.Text)
		}
	}
	return items
}

func TestRunnerAnswersTextUpdates(t *testing.T) {
	t.Parallel()

	backend := &recordingBackend{}
	hub, tr := startTestRunner(t, newFakeFactory(), backend, nil, HubOptions{})

	tr.feed(
		textUpdate("1", "chat-1", "hello"),
		Update{ID: "2", Kind: UpdateOther, ChatID: "chat-1"},
		Update{ID: "3", Kind: UpdateMessage, ChatID: "chat-1", Text: "from bot", FromBot: true},
		Update{ID: "4", Kind: UpdateMessage, ChatID: "chat-1", Text: "   "},
		textUpdate("5", "chat-2", "second"),
	)

	require.Eventually(t, func() bool { return len(tr.sentMessages()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"hello", "second"}, backend.questions())
	assert.Equal(t, []string{"answer: hello", "answer: second"}, sentTexts(tr))
	assert.Equal(t, "chat-1", tr.sentMessages()[0].Target)

	backend.mu.Lock()
	req := backend.requests[0]
	backend.mu.Unlock()
	assert.Equal(t, "alpha", req.Project)
	assert.Equal(t, testChannelType, req.Channel)
	assert.Equal(t, hub.GetOrCreateSession("alpha", "chat-1"), req.SessionID)
}

func TestRunnerUsesUserIDWithoutChat(t *testing.T) {
	t.Parallel()

	backend := &recordingBackend{}
	hub, tr := startTestRunner(t, newFakeFactory(), backend, nil, HubOptions{})

	tr.feed(Update{ID: "1", Kind: UpdateMessage, UserID: "user-9", Text: "hi"})
	require.Eventually(t, func() bool { return len(tr.sentMessages()) == 1 }, waitFor, tick)
	assert.Equal(t, "user-9", tr.sentMessages()[0].Target)

	backend.mu.Lock()
	sessionID := backend.requests[0].SessionID
	backend.mu.Unlock()
	assert.Equal(t, hub.GetOrCreateSession("alpha", "user-9"), sessionID)
}

func TestRunnerPendingConsent(t *testing.T) {
	t.Parallel()

	docs := &fakeDocumentStore{docs: map[string]File{
		"doc-1": {Name: "manual.pdf", ContentType: "application/pdf", Data: []byte("%PDF")},
	}}
	offer := PendingAttachment{Attachments: []Attachment{{Name: "Manual", DocumentID: "doc-1"}}}

	cases := []struct {
		name         string
		reply        string
		wantUploads  int
		wantQuestion bool
		wantText     string
	}{
		{name: "yes russian", reply: "Да!", wantUploads: 1},
		{name: "yes english", reply: "yes", wantUploads: 1},
		{name: "no russian", reply: "нет", wantText: DefaultPrompts().Declined},
		{name: "no english", reply: "No.", wantText: DefaultPrompts().Declined},
		{name: "unrelated", reply: "расскажи подробнее", wantQuestion: true, wantText: "answer: расскажи подробнее"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			backend := &recordingBackend{}
			hub, tr := startTestRunner(t, newFakeFactory(), backend, docs, HubOptions{})
			hub.storePending("alpha", "chat-1", offer)

			tr.feed(textUpdate("1", "chat-1", tc.reply))
			require.Eventually(t, func() bool { return len(tr.sentMessages()) == 1 }, waitFor, tick)

			_, stillPending := hub.PendingAttachment("alpha", "chat-1")
			assert.False(t, stillPending, "reply must always clear the offer")
			assert.Len(t, tr.uploadedFiles(), tc.wantUploads)
			if tc.wantQuestion {
				assert.Equal(t, []string{tc.reply}, backend.questions())
			} else {
				assert.Empty(t, backend.questions(), "consent replies must not reach the backend")
			}
			msg := tr.sentMessages()[0]
			if tc.wantUploads > 0 {
				require.Len(t, msg.Attachments, 1)
				assert.Equal(t, "ref:Manual", msg.Attachments[0].Handle)
			} else {
				assert.Equal(t, tc.wantText, msg.Text)
			}
		})
	}
}

func TestRunnerOffersAttachmentsForConfirmation(t *testing.T) {
	t.Parallel()

	backend := &recordingBackend{answerFunc: func(req AnswerRequest) (Answer, error) {
		return Answer{
			Text: "see the docs",
			Attachments: []Attachment{
				{Name: "Price list", Description: "2024 prices", URL: "https://example.com/prices.pdf"},
			},
		}, nil
	}}
	hub, tr := startTestRunner(t, newFakeFactory(), backend, nil, HubOptions{})

	tr.feed(textUpdate("1", "chat-1", "prices?"))
	require.Eventually(t, func() bool { return len(tr.sentMessages()) == 2 }, waitFor, tick)

	texts := sentTexts(tr)
	assert.Equal(t, "see the docs", texts[0])
	assert.Contains(t, texts[1], "Price list — 2024 prices")
	assert.Contains(t, texts[1], DefaultPrompts().OfferQuestion)
	assert.Empty(t, tr.uploadedFiles())

	pending, ok := hub.PendingAttachment("alpha", "chat-1")
	require.True(t, ok)
	assert.Equal(t, texts[1], pending.Preview)
	require.Len(t, pending.Attachments, 1)
	assert.False(t, pending.CreatedAt.IsZero())
}

func TestRunnerNewOfferOverwritesPending(t *testing.T) {
	t.Parallel()

	backend := &recordingBackend{answerFunc: func(req AnswerRequest) (Answer, error) {
		return Answer{Attachments: []Attachment{{Name: "doc for " + req.Text}}}, nil
	}}
	hub, tr := startTestRunner(t, newFakeFactory(), backend, nil, HubOptions{})
	hub.storePending("alpha", "chat-1", PendingAttachment{Attachments: []Attachment{{Name: "old"}}})

	tr.feed(textUpdate("1", "chat-1", "fresh question"))
	require.Eventually(t, func() bool { return len(tr.sentMessages()) == 1 }, waitFor, tick)

	pending, ok := hub.PendingAttachment("alpha", "chat-1")
	require.True(t, ok)
	require.Len(t, pending.Attachments, 1)
	assert.Equal(t, "doc for fresh question", pending.Attachments[0].Name)
}

func TestRunnerDeliversImmediatelyWithoutConfirmation(t *testing.T) {
	t.Parallel()

	docs := &fakeDocumentStore{docs: map[string]File{
		"doc-1": {Name: "manual.pdf", ContentType: "application/pdf", Data: []byte("%PDF")},
	}}
	backend := &recordingBackend{answerFunc: func(req AnswerRequest) (Answer, error) {
		return Answer{Attachments: []Attachment{
			{Name: "Manual", DocumentID: "doc-1"},
			{Name: "Missing", DocumentID: "doc-404", Description: "gone", URL: "http://127.0.0.1:0/missing"},
		}}, nil
	}}
	factory := newFakeFactory()
	hub, tr := startTestRunner(t, factory, backend, docs, HubOptions{DisableConfirmation: true})

	tr.feed(textUpdate("1", "chat-1", "docs please"))
	require.Eventually(t, func() bool { return len(tr.sentMessages()) == 2 }, waitFor, tick)

	msgs := tr.sentMessages()
	require.Len(t, msgs[0].Attachments, 1)
	assert.Equal(t, "Manual", tr.uploadedFiles()[0].Name)
	assert.Equal(t, "application/pdf", tr.uploadedFiles()[0].ContentType)
	assert.Contains(t, msgs[1].Text, DefaultPrompts().FallbackHeader)
	assert.Contains(t, msgs[1].Text, "• Missing — gone: http://127.0.0.1:0/missing")
	_, ok := hub.PendingAttachment("alpha", "chat-1")
	assert.False(t, ok)
	assert.NotEmpty(t, hub.LastError("alpha"), "degraded delivery is recorded")
}

func TestRunnerUploadFailureFallsBackToLink(t *testing.T) {
	t.Parallel()

	docs := &fakeDocumentStore{docs: map[string]File{
		"doc-1": {Name: "manual.pdf", Data: []byte("%PDF")},
	}}
	factory := newFakeFactory()
	factory.configure = func(tr *fakeTransport) {
		tr.uploadFunc = func(ctx context.Context, target string, file File) (AttachmentRef, error) {
			return AttachmentRef{}, errors.New("upload server unavailable")
		}
	}
	hub, tr := startTestRunner(t, factory, &recordingBackend{}, docs, HubOptions{})
	hub.storePending("alpha", "chat-1", PendingAttachment{Attachments: []Attachment{
		{Name: "Manual", DocumentID: "doc-1", URL: "https://example.com/manual.pdf"},
	}})

	tr.feed(textUpdate("1", "chat-1", "ок"))
	require.Eventually(t, func() bool { return len(tr.sentMessages()) == 1 }, waitFor, tick)
	assert.Contains(t, tr.sentMessages()[0].Text, "• Manual: https://example.com/manual.pdf")
	assert.Contains(t, hub.LastError("alpha"), "upload server unavailable")
}

func TestRunnerBackendFailureDropsUpdate(t *testing.T) {
	t.Parallel()

	backend := &recordingBackend{answerFunc: func(req AnswerRequest) (Answer, error) {
		if req.Text == "bad" {
			return Answer{}, errors.New("backend timeout")
		}
		return Answer{Text: "answer: " + req.Text}, nil
	}}
	hub, tr := startTestRunner(t, newFakeFactory(), backend, nil, HubOptions{})

	tr.feed(textUpdate("1", "chat-1", "bad"), textUpdate("2", "chat-1", "good"))
	require.Eventually(t, func() bool { return len(tr.sentMessages()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"answer: good"}, sentTexts(tr))
	assert.Equal(t, []string{"bad", "good"}, backend.questions())
	assert.Contains(t, hub.LastError("alpha"), "backend timeout")

	tr.feed(textUpdate("3", "chat-1", "again"))
	require.Eventually(t, func() bool { return hub.LastError("alpha") == "" }, waitFor, tick)
}

func TestRunnerPanicAbandonsRestOfBatch(t *testing.T) {
	t.Parallel()

	backend := &recordingBackend{answerFunc: func(req AnswerRequest) (Answer, error) {
		if req.Text == "boom" {
			panic("handler exploded")
		}
		return Answer{Text: "answer: " + req.Text}, nil
	}}
	hub, tr := startTestRunner(t, newFakeFactory(), backend, nil, HubOptions{})

	tr.feed(textUpdate("1", "c", "first"), textUpdate("2", "c", "boom"), textUpdate("3", "c", "lost"))
	require.Eventually(t, func() bool { return strings.Contains(hub.LastError("alpha"), "panic") }, waitFor, tick)

	tr.feed(textUpdate("4", "c", "next"))
	require.Eventually(t, func() bool { return len(tr.sentMessages()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"first", "boom", "next"}, backend.questions())
	assert.Equal(t, []string{"answer: first", "answer: next"}, sentTexts(tr))
	assert.True(t, hub.IsProjectRunning("alpha"), "runner survives a failing update")
}

func TestRunnerFetchFailureResetsCursor(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory()
	factory.configure = func(tr *fakeTransport) {
		tr.fetchFunc = func(ctx context.Context) ([]Update, error) {
			return nil, errors.Join(ErrUnauthorized, errors.New("401 Unauthorized"))
		}
	}
	hub, tr := startTestRunner(t, factory, &recordingBackend{}, nil, HubOptions{})

	require.Eventually(t, func() bool { return tr.resetCount() >= 2 }, waitFor, tick)
	assert.Contains(t, hub.LastError("alpha"), "401 Unauthorized")
	assert.True(t, hub.IsProjectRunning("alpha"), "fetch failures never end the runner")
}

func TestRunnerCycleDelayClasses(t *testing.T) {
	t.Parallel()

	delays := Delays{Idle: 11 * time.Millisecond, Failure: 22 * time.Millisecond, AuthFailure: 33 * time.Millisecond}
	hub := newTestHub(t, newFakeFactory(), newFakeProjectStore(), &recordingBackend{}, nil, HubOptions{Delays: delays})
	tr := newFakeTransport("tok", nil)
	runner := hub.newRunner("alpha", ChannelSettings{Token: "tok"}, tr, newTestLogger())
	ctx := context.Background()

	cases := []struct {
		name      string
		fetch     func(ctx context.Context) ([]Update, error)
		want      time.Duration
		wantReset int
		wantError string
	}{
		{
			name: "credential rejected",
			fetch: func(ctx context.Context) ([]Update, error) {
				return nil, fmt.Errorf("getUpdates: %w", ErrUnauthorized)
			},
			want:      delays.AuthFailure,
			wantReset: 1,
			wantError: "credential rejected",
		},
		{
			name: "transient failure",
			fetch: func(ctx context.Context) ([]Update, error) {
				return nil, errors.New("502 Bad Gateway")
			},
			want:      delays.Failure,
			wantReset: 2,
			wantError: "502 Bad Gateway",
		},
		{
			name: "empty batch",
			fetch: func(ctx context.Context) ([]Update, error) {
				return nil, nil
			},
			want:      delays.Idle,
			wantReset: 2,
		},
		{
			name: "non-empty batch",
			fetch: func(ctx context.Context) ([]Update, error) {
				return []Update{textUpdate("1", "c", "hi")}, nil
			},
			want:      0,
			wantReset: 2,
		},
	}
	// Cases run in order on one runner: the reset count accumulates.
	for _, tc := range cases {
		tr.fetchFunc = tc.fetch
		got := runner.cycle(ctx)
		assert.Equal(t, tc.want, got, tc.name)
		assert.Equal(t, tc.wantReset, tr.resetCount(), tc.name)
		if tc.wantError == "" {
			assert.Empty(t, hub.LastError("alpha"), tc.name)
		} else {
			assert.Contains(t, hub.LastError("alpha"), tc.wantError, tc.name)
		}
	}
	assert.Equal(t, []string{"answer: hi"}, sentTexts(tr))
}

func TestRunnerStartAfterExpiredStop(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	factory := newFakeFactory()
	factory.configure = func(tr *fakeTransport) {
		tr.fetchFunc = func(ctx context.Context) ([]Update, error) {
			<-release
			return nil, ctx.Err()
		}
	}
	hub, tr := startTestRunner(t, factory, &recordingBackend{}, nil, HubOptions{})
	hub.mu.Lock()
	runner := hub.runners["alpha"]
	hub.mu.Unlock()

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, runner.Stop(expired), context.Canceled)
	require.Equal(t, RunnerStopping, runner.State())

	err := runner.Start(expired)
	require.ErrorIs(t, err, context.Canceled, "start must not report success while the old loop is alive")
	assert.Equal(t, RunnerStopping, runner.State())
	assert.Equal(t, 1, tr.openCount())

	close(release)
	require.NoError(t, runner.Start(context.Background()))
	assert.True(t, runner.Running())
	assert.Equal(t, 1, tr.closeCount(), "old loop is torn down before reopening")
	assert.Equal(t, 2, tr.openCount())
}

func TestRunnerClipsUTF16Text(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory()
	factory.configure = func(tr *fakeTransport) {
		tr.desc.MaxTextLength = 10
		tr.desc.TextUnit = TextUnitUTF16
	}
	backend := &recordingBackend{answerFunc: func(req AnswerRequest) (Answer, error) {
		return Answer{Text: strings.Repeat("🎉", 25)}, nil
	}}
	_, tr := startTestRunner(t, factory, backend, nil, HubOptions{})

	tr.feed(textUpdate("1", "c", "party"))
	require.Eventually(t, func() bool { return len(tr.sentMessages()) == 1 }, waitFor, tick)
	text := tr.sentMessages()[0].Text
	assert.Equal(t, "🎉🎉🎉🎉…", text)
	assert.LessOrEqual(t, len(utf16.Encode([]rune(text))), 10)
}

func TestRunnerSendFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory()
	factory.configure = func(tr *fakeTransport) {
		tr.sendFunc = func(ctx context.Context, msg OutboundMessage) error {
			if strings.Contains(msg.Text, "one") {
				return errors.New("chat not found")
			}
			return nil
		}
	}
	hub, tr := startTestRunner(t, factory, &recordingBackend{}, nil, HubOptions{})

	tr.feed(textUpdate("1", "c", "one"), textUpdate("2", "c", "two"))
	require.Eventually(t, func() bool { return len(tr.sentMessages()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"answer: two"}, sentTexts(tr))
	assert.Contains(t, hub.LastError("alpha"), "chat not found")
}

func TestRunnerClipsOutgoingText(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory()
	factory.configure = func(tr *fakeTransport) {
		tr.desc.MaxTextLength = 10
	}
	backend := &recordingBackend{answerFunc: func(req AnswerRequest) (Answer, error) {
		return Answer{Text: strings.Repeat("я", 25)}, nil
	}}
	_, tr := startTestRunner(t, factory, backend, nil, HubOptions{})

	tr.feed(textUpdate("1", "c", "long"))
	require.Eventually(t, func() bool { return len(tr.sentMessages()) == 1 }, waitFor, tick)
	text := tr.sentMessages()[0].Text
	assert.Equal(t, 10, utf8.RuneCountInString(text))
	assert.True(t, strings.HasSuffix(text, "…"))
}

func TestRunnerStopIsIdempotent(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory()
	hub, tr := startTestRunner(t, factory, &recordingBackend{}, nil, HubOptions{})

	hub.mu.Lock()
	runner := hub.runners["alpha"]
	hub.mu.Unlock()
	require.NotNil(t, runner)
	assert.Equal(t, RunnerRunning, runner.State())

	ctx := context.Background()
	require.NoError(t, runner.Stop(ctx))
	require.NoError(t, runner.Stop(ctx))
	assert.Equal(t, RunnerStopped, runner.State())
	assert.Equal(t, 1, tr.closeCount())
	assert.Equal(t, 0, tr.activeLoops())

	require.NoError(t, runner.Start(ctx))
	assert.True(t, runner.Running())
	assert.Empty(t, hub.LastError("alpha"))
}

func TestRunnerStopHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	factory := newFakeFactory()
	factory.configure = func(tr *fakeTransport) {
		tr.fetchFunc = func(ctx context.Context) ([]Update, error) {
			<-release
			return nil, ctx.Err()
		}
	}
	hub, _ := startTestRunner(t, factory, &recordingBackend{}, nil, HubOptions{})
	hub.mu.Lock()
	runner := hub.runners["alpha"]
	hub.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := runner.Stop(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, RunnerStopping, runner.State())

	close(release)
	require.NoError(t, runner.Stop(context.Background()))
	assert.Equal(t, RunnerStopped, runner.State())
}
