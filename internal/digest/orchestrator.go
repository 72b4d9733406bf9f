// Package digest assembles recent posts into one email and sends it to every active subscriber.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/blog-digest/internal/domain"
	"github.com/bissquit/blog-digest/internal/mail"
)

// Result messages read by the cron caller.
const (
	msgSent          = "Digest sent successfully"
	msgNoSubscribers = "No subscribers to send to"
	msgInProgress    = "A digest run is already in progress"
)

// ContentReader returns published posts dated at or after since.
type ContentReader interface {
	RecentItems(ctx context.Context, since time.Time) []domain.DigestItem
}

// SubscriberStore is the part of the subscriber service a run needs.
type SubscriberStore interface {
	ListActive(ctx context.Context) ([]string, error)
	Watermark(ctx context.Context) (*time.Time, error)
	SetWatermark(ctx context.Context, t time.Time) error
	AcquireLease(ctx context.Context, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLease(ctx context.Context, token string) error
}

// Config controls digest runs.
type Config struct {
	MinPosts   int
	Lookback   time.Duration
	LockTTL    time.Duration
	RunTimeout time.Duration
}

// Result is the outcome of one run.
type Result struct {
	Outcome        domain.DigestOutcome `json:"-"`
	Message        string               `json:"message"`
	RecipientCount *int                 `json:"recipientCount,omitempty"`
	PostCount      *int                 `json:"postCount,omitempty"`
	Sent           bool                 `json:"sent"`
	Failed         int                  `json:"-"`
}

// Orchestrator runs the digest pipeline.
type Orchestrator struct {
	config    Config
	content   ContentReader
	store     SubscriberStore
	renderer  *Renderer
	transport mail.Transport
	throttle  Throttle
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator. A nil throttle means no delay between sends.
func NewOrchestrator(config Config, content ContentReader, store SubscriberStore, renderer *Renderer, transport mail.Transport, throttle Throttle) *Orchestrator {
	if config.MinPosts <= 0 {
		config.MinPosts = 3
	}
	if config.Lookback <= 0 {
		config.Lookback = 7 * 24 * time.Hour
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 15 * time.Minute
	}
	if throttle == nil {
		throttle = NoDelay{}
	}

	return &Orchestrator{
		config:    config,
		content:   content,
		store:     store,
		renderer:  renderer,
		transport: transport,
		throttle:  throttle,
		now:       time.Now,
	}
}

// Run executes one digest run. At most one run proceeds at a time across
// all replicas sharing the store; a concurrent call reports in_progress.
//
// The watermark advances only after a delivery loop that was not cancelled.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	started := o.now()

	if o.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.RunTimeout)
		defer cancel()
	}

	token, ok, err := o.store.AcquireLease(ctx, o.config.LockTTL)
	if err != nil {
		recordRun("error", started)
		return Result{}, fmt.Errorf("acquire run lease: %w", err)
	}
	if !ok {
		slog.Info("digest run skipped, another run holds the lease")
		recordRun(string(domain.DigestOutcomeInProgress), started)
		return Result{Outcome: domain.DigestOutcomeInProgress, Message: msgInProgress}, nil
	}
	defer func() {
		if err := o.store.ReleaseLease(context.WithoutCancel(ctx), token); err != nil {
			slog.Error("failed to release digest lease", "error", err)
		}
	}()

	res, err := o.run(ctx, started)
	if err != nil {
		recordRun("error", started)
		return Result{}, err
	}

	recordRun(string(res.Outcome), started)
	if res.PostCount != nil {
		recordPosts(res.Outcome, *res.PostCount)
	}
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, started time.Time) (Result, error) {
	since := o.since(ctx, started)

	items := o.content.RecentItems(ctx, since)
	postCount := len(items)
	slog.Info("digest content collected", "since", since, "posts", postCount)

	if postCount < o.config.MinPosts {
		return Result{
			Outcome:   domain.DigestOutcomeNotEnoughPosts,
			Message:   fmt.Sprintf("Not enough posts (%d). Need at least %d.", postCount, o.config.MinPosts),
			PostCount: &postCount,
		}, nil
	}

	recipients, err := o.store.ListActive(ctx)
	if err != nil {
		slog.Error("failed to list subscribers, treating as none", "error", err)
		recipients = nil
	}
	if len(recipients) == 0 {
		return Result{Outcome: domain.DigestOutcomeNoSubscribers, Message: msgNoSubscribers}, nil
	}

	subject, body, err := o.renderer.Render(items)
	if err != nil {
		return Result{}, err
	}

	failed, err := o.deliver(ctx, recipients, subject, body)
	if err != nil {
		return Result{}, err
	}

	completed := o.now()
	if err := o.store.SetWatermark(ctx, completed); err != nil {
		slog.Error("failed to advance digest watermark", "error", err)
	}

	recipientCount := len(recipients)
	slog.Info("digest sent",
		"recipients", recipientCount,
		"failed", failed,
		"posts", postCount,
		"duration", completed.Sub(started),
	)

	return Result{
		Outcome:        domain.DigestOutcomeSent,
		Message:        msgSent,
		RecipientCount: &recipientCount,
		PostCount:      &postCount,
		Sent:           true,
		Failed:         failed,
	}, nil
}

// since returns the stored watermark, or now minus the lookback when it is absent or unreadable.
func (o *Orchestrator) since(ctx context.Context, now time.Time) time.Time {
	fallback := now.Add(-o.config.Lookback)

	wm, err := o.store.Watermark(ctx)
	if err != nil {
		slog.Warn("failed to read digest watermark, using lookback", "error", err, "lookback", o.config.Lookback)
		return fallback
	}
	if wm == nil {
		return fallback
	}
	return *wm
}

// deliver sends to each recipient in turn. Individual failures are counted,
// cancellation aborts the loop.
func (o *Orchestrator) deliver(ctx context.Context, recipients []string, subject, body string) (failed int, err error) {
	for i, to := range recipients {
		if i > 0 {
			if err := o.throttle.Wait(ctx); err != nil {
				return failed, fmt.Errorf("digest delivery interrupted after %d of %d: %w", i, len(recipients), err)
			}
		}
		if err := ctx.Err(); err != nil {
			return failed, fmt.Errorf("digest delivery interrupted after %d of %d: %w", i, len(recipients), err)
		}

		sendErr := o.transport.Send(ctx, mail.Message{
			To:      to,
			Subject: subject,
			HTML:    mail.Merge(body, to),
		})
		recordEmail(sendErr)
		if sendErr != nil {
			failed++
			slog.Error("failed to send digest", "recipient_index", i, "error", sendErr)
		}
	}
	return failed, nil
}
