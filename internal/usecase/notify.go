package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"scm-relay/internal/domain"
	"scm-relay/internal/jobs"
	"scm-relay/internal/repository"
)

const (
	defaultNotifyConcurrency = 4
	defaultNotifyRate        = 20
)

// RecipientDirectory is the part of the contact directory a dispatch reads.
type RecipientDirectory interface {
	FindByIdentities(ctx context.Context, identities []string) ([]domain.ContactRecord, error)
	FilterBySubscription(ctx context.Context, identities []string, tag string) ([]string, error)
	ListIdentities(ctx context.Context) ([]string, error)
}

type DeliveryFailure struct {
	ID  string `json:"id"`
	Err string `json:"error"`
}

// Report describes what happened to every requested identity.
type Report struct {
	Delivered            []string          `json:"delivered"`
	SkippedNotFound      []string          `json:"skippedNotFound"`
	SkippedNotSubscribed []string          `json:"skippedNotSubscribed"`
	Failed               []DeliveryFailure `json:"failed"`
}

// Summary is the human-readable line returned to the caller of the notify
// endpoint.
func (r Report) Summary() string {
	requested := len(r.Delivered) + len(r.SkippedNotFound) + len(r.SkippedNotSubscribed) + len(r.Failed)
	return fmt.Sprintf("Notification delivered to %d of %d users (not found: %d, not subscribed: %d, failed: %d)",
		len(r.Delivered), requested, len(r.SkippedNotFound), len(r.SkippedNotSubscribed), len(r.Failed))
}

// Dispatcher fans one message out to the eligible recipients of a job.
type Dispatcher struct {
	directory   RecipientDirectory
	messenger   Messenger
	concurrency int
	limiter     *rate.Limiter
	logger      *slog.Logger
}

type DispatchOption func(*Dispatcher)

// WithConcurrency caps the number of sends in flight.
func WithConcurrency(n int) DispatchOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithRateLimit throttles sends to perSecond, with bursts of the same size.
// A non-positive value disables throttling.
func WithRateLimit(perSecond float64) DispatchOption {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
	}
}

func WithDispatchLogger(l *slog.Logger) DispatchOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewDispatcher(dir RecipientDirectory, m Messenger, opts ...DispatchOption) (*Dispatcher, error) {
	if dir == nil {
		return nil, errors.New("usecase: directory must not be nil")
	}
	if m == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	d := &Dispatcher{
		directory:   dir,
		messenger:   m,
		concurrency: defaultNotifyConcurrency,
		limiter:     rate.NewLimiter(defaultNotifyRate, defaultNotifyRate),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Notify sends message to every target that exists and is subscribed to
// jobName. A failed send is recorded in the report and does not stop the
// others; a directory failure aborts the whole dispatch.
func (d *Dispatcher) Notify(ctx context.Context, jobName string, targets []string, message string) (Report, error) {
	logger := d.logger.With("component", "notify", "job", jobName)
	targets = uniqueStrings(targets)
	var report Report
	if len(targets) == 0 {
		return report, nil
	}

	excluded, err := d.directory.FilterBySubscription(ctx, targets, jobName)
	if err != nil {
		return Report{}, err
	}
	found, err := d.directory.FindByIdentities(ctx, targets)
	if err != nil {
		return Report{}, err
	}

	records := make(map[string]domain.ContactRecord, len(found))
	for _, rec := range found {
		records[rec.ID] = rec
	}
	skip := make(map[string]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}

	var eligible []domain.ContactRecord
	for _, id := range targets {
		rec, ok := records[id]
		switch {
		case !ok:
			report.SkippedNotFound = append(report.SkippedNotFound, id)
		case skip[id]:
			report.SkippedNotSubscribed = append(report.SkippedNotSubscribed, id)
		default:
			eligible = append(eligible, rec)
		}
	}

	errs := d.fanOut(ctx, eligible, message)
	for i, rec := range eligible {
		if errs[i] != nil {
			logger.Warn("notification not delivered", "user_id", rec.ID, "err", errs[i])
			report.Failed = append(report.Failed, DeliveryFailure{ID: rec.ID, Err: errs[i].Error()})
			continue
		}
		report.Delivered = append(report.Delivered, rec.ID)
	}
	logger.Info("notification dispatched",
		"delivered", len(report.Delivered),
		"not_found", len(report.SkippedNotFound),
		"not_subscribed", len(report.SkippedNotSubscribed),
		"failed", len(report.Failed))
	return report, nil
}

// fanOut sends to every recipient and returns the per-recipient errors by
// position.
func (d *Dispatcher) fanOut(ctx context.Context, recipients []domain.ContactRecord, message string) []error {
	errs := make([]error, len(recipients))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, rec := range recipients {
		g.Go(func() error {
			if err := d.limiter.Wait(ctx); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = d.messenger.SendText(ctx, rec.ReachBack, message)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// NotifyRequest is one call of the notify endpoint.
type NotifyRequest struct {
	JobName string
	JobID   string
	// UserIDs limits the dispatch; nil means every known contact.
	UserIDs []string
}

// NotifyService validates a job request against the catalog and dispatches it.
type NotifyService struct {
	catalog    *jobs.Catalog
	directory  RecipientDirectory
	dispatcher *Dispatcher
}

func NewNotifyService(catalog *jobs.Catalog, dir RecipientDirectory, dispatcher *Dispatcher) (*NotifyService, error) {
	if catalog == nil {
		return nil, errors.New("usecase: job catalog must not be nil")
	}
	if dir == nil {
		return nil, errors.New("usecase: directory must not be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	return &NotifyService{catalog: catalog, directory: dir, dispatcher: dispatcher}, nil
}

func (s *NotifyService) NotifyJob(ctx context.Context, in NotifyRequest) (Report, error) {
	jobName := strings.TrimSpace(in.JobName)
	if jobName == "" {
		return Report{}, newError(ErrorInvalidInput, "missing_job_name", nil)
	}
	if _, ok := s.catalog.Lookup(jobName); !ok {
		return Report{}, newError(ErrorInvalidInput, "unknown_job",
			fmt.Errorf("%w: %q (known jobs: %s)", jobs.ErrUnknownJob, jobName, strings.Join(s.catalog.Names(), ", ")))
	}
	message, err := s.catalog.Render(jobName, map[string]string{"job_id": in.JobID})
	if err != nil {
		var missing *jobs.MissingFieldError
		if errors.As(err, &missing) {
			return Report{}, newError(ErrorInvalidInput, "missing_"+missing.Field, err)
		}
		return Report{}, newError(ErrorInternal, "render_message", err)
	}

	// Only an absent list broadcasts; a supplied list that is all blanks
	// must not widen to every contact.
	targets := in.UserIDs
	if targets != nil && len(uniqueStrings(targets)) == 0 {
		return Report{}, newError(ErrorInvalidInput, "invalid_user_ids", nil)
	}
	if targets == nil {
		if targets, err = s.directory.ListIdentities(ctx); err != nil {
			return Report{}, directoryError(err)
		}
	}
	report, err := s.dispatcher.Notify(ctx, jobName, targets, message)
	if err != nil {
		return Report{}, directoryError(err)
	}
	return report, nil
}

func directoryError(err error) error {
	var storage *repository.StorageError
	if errors.As(err, &storage) {
		return newError(ErrorInternal, "directory_unavailable", err)
	}
	return newError(ErrorInternal, "dispatch_failed", err)
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
