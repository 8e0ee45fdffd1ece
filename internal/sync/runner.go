// Package sync orchestrates one ingestion run per user: it iterates
// the configured mailboxes, gates messages through the source
// approval lifecycle, persists signals exactly once per message id,
// invokes extraction, and applies the archive-or-retain policy.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/ndang/signalsift/internal/llm"
	"github.com/ndang/signalsift/internal/mailbox"
	"github.com/ndang/signalsift/internal/model"
	"github.com/ndang/signalsift/internal/ratelimit"
	"github.com/ndang/signalsift/internal/store"
	"github.com/ndang/signalsift/internal/strategy"
)

// noContentError marks signals imported without any extractable body.
const noContentError = "No content available for extraction"

// ErrSyncInProgress is returned when a run for the same user is
// already in flight in this process. The guard prevents the
// read-then-write sequences (source lookup-then-create, duplicate
// check-then-insert) from racing against themselves; runs launched
// from a second process can still race and are not serialized here.
var ErrSyncInProgress = errors.New("sync already in progress for user")

// Mailbox is the slice of the IMAP adapter the orchestrator needs.
// *mailbox.Client implements it; tests substitute fakes.
type Mailbox interface {
	FetchUnseen(limit int) ([]model.DecodedEmail, error)
	MarkSeen(uid uint32) error
	MarkDeleted(uid uint32) error
	MoveToFolder(uid uint32, folder string) error
	Close() error
}

// Dialer opens an authenticated mailbox session.
type Dialer func(cfg mailbox.Config) (Mailbox, error)

// Extractor produces nugget candidates from a prompt.
type Extractor interface {
	ExtractNuggets(ctx context.Context, prompt string) ([]llm.NuggetCandidate, error)
}

// Secrets retrieves mailbox passwords at call time.
type Secrets interface {
	MailboxPassword(mailboxID string) (string, error)
}

// ItemError records one per-message failure inside a run.
type ItemError struct {
	MessageID string
	Subject   string
	Error     string
}

// Result aggregates the outcome of one run. Individual message
// failures land in Errors; they never fail the run itself.
type Result struct {
	Total       int
	Imported    int
	Processed   int
	Failed      int
	Skipped     int
	NewSources  int
	RateLimited bool
	Errors      []ItemError
}

func (r *Result) recordError(messageID, subject string, err error) {
	r.Errors = append(r.Errors, ItemError{
		MessageID: messageID,
		Subject:   subject,
		Error:     err.Error(),
	})
}

// Runner executes ingestion runs. All collaborators are injected;
// the runner holds no connections between runs.
type Runner struct {
	store      store.Store
	dial       Dialer
	extractor  Extractor
	registry   *strategy.Registry
	limiter    *ratelimit.Limiter
	secrets    Secrets
	mailboxes  []model.MailboxConfig
	profile    model.ProfileConfig
	llmTimeout time.Duration
	logger     *slog.Logger

	mu       gosync.Mutex
	inflight map[string]struct{}
}

// NewRunner wires an orchestrator from its collaborators.
func NewRunner(
	s store.Store,
	dial Dialer,
	extractor Extractor,
	registry *strategy.Registry,
	limiter *ratelimit.Limiter,
	secrets Secrets,
	mailboxes []model.MailboxConfig,
	profile model.ProfileConfig,
	llmTimeout time.Duration,
	logger *slog.Logger,
) *Runner {
	if llmTimeout <= 0 {
		llmTimeout = 60 * time.Second
	}

	return &Runner{
		store:      s,
		dial:       dial,
		extractor:  extractor,
		registry:   registry,
		limiter:    limiter,
		secrets:    secrets,
		mailboxes:  mailboxes,
		profile:    profile,
		llmTimeout: llmTimeout,
		logger:     logger,
		inflight:   make(map[string]struct{}),
	}
}

// Run executes one synchronous ingestion run for a user. Mailboxes
// are iterated sequentially, and messages within a mailbox are
// processed sequentially; IMAP servers do not tolerate concurrent
// mutation of one mailbox from multiple sessions. A run always
// returns an aggregate Result when it starts; only run-level
// conditions (overlapping run, rate limit) surface as errors.
func (r *Runner) Run(ctx context.Context, userID string) (*Result, error) {
	r.mu.Lock()
	if _, busy := r.inflight[userID]; busy {
		r.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	r.inflight[userID] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, userID)
		r.mu.Unlock()
	}()

	if err := r.limiter.AllowSync(userID); err != nil {
		return nil, fmt.Errorf("sync for %s: %w", userID, err)
	}

	res := &Result{}
	for _, cfg := range r.mailboxes {
		if ctx.Err() != nil {
			break
		}
		r.syncMailbox(ctx, userID, cfg, res)
	}

	r.logger.Info("sync run finished",
		"user", userID,
		"total", res.Total,
		"imported", res.Imported,
		"processed", res.Processed,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"new_sources", res.NewSources,
		"errors", len(res.Errors))

	return res, nil
}

// syncMailbox imports one configured mailbox. Every failure is
// recorded and swallowed so the remaining mailboxes still run.
func (r *Runner) syncMailbox(
	ctx context.Context,
	userID string,
	cfg model.MailboxConfig,
	res *Result,
) {
	log := r.logger.With("mailbox", cfg.ID, "user", userID)

	password, err := r.secrets.MailboxPassword(cfg.ID)
	if err != nil {
		// No partial-credential attempt: the whole mailbox is skipped.
		log.Error("retrieving mailbox password failed", "error", err)
		res.recordError("", "", fmt.Errorf("mailbox %s: credentials: %w", cfg.ID, err))
		return
	}

	mb, err := r.dial(mailbox.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: password,
		UseTLS:   cfg.UseTLS,
	})
	if err != nil {
		// Unreachable servers are an operational hiccup, not a fault
		// in the pipeline.
		if mailbox.IsConnectionError(err) {
			log.Warn("mailbox unreachable, skipping for this run", "error", err)
		} else {
			log.Error("connecting to mailbox failed", "error", err)
		}
		res.recordError("", "", fmt.Errorf("mailbox %s: %w", cfg.ID, err))
		return
	}
	defer func() {
		if cerr := mb.Close(); cerr != nil {
			log.Warn("closing mailbox connection failed", "error", cerr)
		}
	}()

	emails, err := mb.FetchUnseen(cfg.FetchLimit)
	if err != nil {
		log.Error("fetching unseen messages failed", "error", err)
		res.recordError("", "", fmt.Errorf("mailbox %s: %w", cfg.ID, err))
		return
	}

	log.Debug("fetched newsletter messages", "count", len(emails))

	for _, email := range emails {
		if ctx.Err() != nil {
			return
		}
		r.handleMessage(ctx, userID, cfg, mb, email, res)
	}
}

// handleMessage gates one decoded message through source resolution,
// dedup, persistence, extraction, and archiving.
func (r *Runner) handleMessage(
	ctx context.Context,
	userID string,
	cfg model.MailboxConfig,
	mb Mailbox,
	email model.DecodedEmail,
	res *Result,
) {
	res.Total++
	log := r.logger.With("mailbox", cfg.ID, "user", userID, "uid", email.UID)

	identifier := email.SourceIdentifier()

	src, err := r.store.GetSourceByIdentifier(ctx, userID, model.SourceTypeEmail, identifier)
	if err != nil {
		log.Error("looking up source failed", "identifier", identifier, "error", err)
		res.recordError(email.MessageID, email.Subject, err)
		return
	}

	if src == nil {
		// First sight of this sender: create a pending source and
		// leave the message unread so it is re-fetched once approved.
		displayName := email.FromName
		if displayName == "" {
			displayName = email.FromAddress
		}
		_, err := r.store.CreateSource(ctx, model.Source{
			UserID:               userID,
			SourceType:           model.SourceTypeEmail,
			Identifier:           identifier,
			DisplayName:          displayName,
			Status:               model.SourceStatusPending,
			ExtractionStrategyID: strategy.Generic,
			LastSignalAt:         email.Date,
		})
		if err != nil {
			log.Error("creating pending source failed", "identifier", identifier, "error", err)
			res.recordError(email.MessageID, email.Subject, err)
			return
		}
		log.Info("created pending source awaiting approval", "identifier", identifier)
		res.NewSources++
		return
	}

	if err := r.store.TouchSourceLastSignal(ctx, src.ID); err != nil {
		log.Warn("updating source last_signal_at failed", "error", err)
	}

	shouldProcess := false
	switch src.Status {
	case model.SourceStatusRejected:
		if err := mb.MarkDeleted(email.UID); err != nil {
			log.Warn("marking rejected-sender message deleted failed", "error", err)
		}
		res.Skipped++
		return
	case model.SourceStatusPending:
		// Still awaiting approval: leave unread for a later run.
		res.Skipped++
		return
	case model.SourceStatusPaused:
		shouldProcess = false
	case model.SourceStatusActive:
		shouldProcess = true
	default:
		log.Warn("source has unknown status, skipping", "status", src.Status)
		res.Skipped++
		return
	}

	messageID := email.MessageID
	if messageID == "" {
		// Rare, but the dedup guard needs a stable key.
		messageID = fmt.Sprintf("uid-%d@%s", email.UID, cfg.ID)
	}

	existing, err := r.store.GetSignalByMessageID(ctx, userID, messageID)
	if err != nil {
		log.Error("duplicate check failed", "error", err)
		res.recordError(messageID, email.Subject, err)
		return
	}
	if existing != nil {
		// Already imported: a no-op, not an error.
		if err := mb.MarkSeen(email.UID); err != nil {
			log.Warn("marking duplicate message seen failed", "error", err)
		}
		res.Skipped++
		return
	}

	content := email.Content()
	sig := model.Signal{
		UserID:           userID,
		SignalType:       model.SourceTypeEmail,
		RawContent:       content,
		Title:            email.Subject,
		SourceIdentifier: email.FromAddress,
		SourceID:         &src.ID,
		ReceivedDate:     email.Date,
		Status:           model.SignalStatusPending,
		MessageID:        messageID,
		FromName:         email.FromName,
		HasAttachments:   email.HasAttachments,
		To:               email.To,
		Cc:               email.Cc,
	}

	if content == "" {
		// Strict policy: an empty decode is imported as failed so the
		// data-loss risk stays visible instead of vanishing silently.
		sig.Status = model.SignalStatusFailed
		sig.ErrorMessage = noContentError
		if _, err := r.store.CreateSignal(ctx, sig); err != nil {
			log.Error("persisting empty-content signal failed", "error", err)
			res.recordError(messageID, email.Subject, err)
			return
		}
		if err := mb.MarkSeen(email.UID); err != nil {
			log.Warn("marking empty message seen failed", "error", err)
		}
		res.Failed++
		res.recordError(messageID, email.Subject, errors.New(noContentError))
		return
	}

	created, err := r.store.CreateSignal(ctx, sig)
	if err != nil {
		log.Error("persisting signal failed", "error", err)
		res.recordError(messageID, email.Subject, err)
		return
	}
	if err := mb.MarkSeen(email.UID); err != nil {
		log.Warn("marking imported message seen failed", "error", err)
	}
	res.Imported++

	if !shouldProcess {
		// Paused source: imported but not analyzed. No processing
		// outcome is expected, so archive unconditionally.
		r.archive(mb, email.UID, cfg.ArchiveFolder, log)
		return
	}

	r.extractSignal(ctx, userID, created, src, email.UID, mb, cfg.ArchiveFolder, res)
}

// extractSignal runs extraction for one imported signal and applies
// the archive policy. A failure here marks the signal failed and
// moves on; it never aborts the batch.
func (r *Runner) extractSignal(
	ctx context.Context,
	userID string,
	sig *model.Signal,
	src *model.Source,
	uid uint32,
	mb Mailbox,
	archiveFolder string,
	res *Result,
) {
	log := r.logger.With("user", userID, "signal", sig.ID)

	if err := r.limiter.AllowExtraction(userID); err != nil {
		// Budget exhausted: the signal stays pending for a later run.
		log.Info("extraction rate limited, leaving signal pending")
		res.RateLimited = true
		return
	}

	strategyID := strategy.Generic
	if src != nil && src.ExtractionStrategyID != "" {
		strategyID = src.ExtractionStrategyID
	}
	strat := r.registry.Get(strategyID)

	prompt := strat.BuildPrompt(strategy.PromptInput{
		Content:        sig.RawContent,
		UserInterests:  r.profile.Interests,
		ApprovedTopics: r.profile.ApprovedTopics,
	})

	callCtx, cancel := context.WithTimeout(ctx, r.llmTimeout)
	defer cancel()

	candidates, err := r.extractor.ExtractNuggets(callCtx, prompt)
	if err != nil {
		log.Error("extraction failed", "strategy", strat.ID, "error", err)
		if markErr := r.store.MarkSignalFailed(ctx, sig.ID, err.Error()); markErr != nil {
			log.Error("marking signal failed failed", "error", markErr)
		}
		res.Failed++
		res.recordError(sig.MessageID, sig.Title, err)
		return
	}

	nuggets := r.mapCandidates(userID, sig, src, candidates)

	if err := r.store.CreateNuggets(ctx, nuggets); err != nil {
		log.Error("persisting nuggets failed", "error", err)
		if markErr := r.store.MarkSignalFailed(ctx, sig.ID,
			fmt.Sprintf("persisting nuggets: %v", err)); markErr != nil {
			log.Error("marking signal failed failed", "error", markErr)
		}
		res.Failed++
		res.recordError(sig.MessageID, sig.Title, err)
		return
	}

	if err := r.store.MarkSignalProcessed(ctx, sig.ID); err != nil {
		log.Error("marking signal processed failed", "error", err)
		res.recordError(sig.MessageID, sig.Title, err)
		return
	}
	res.Processed++
	log.Info("signal processed", "strategy", strat.ID, "nuggets", len(nuggets))

	// Archive only a productive success. Zero nuggets keeps the
	// message visible in INBOX for manual inspection.
	if len(nuggets) > 0 && mb != nil {
		r.archive(mb, uid, archiveFolder, log)
	}
}

// archive moves the underlying message into the archive folder when
// one is configured. Failures are logged and swallowed: a processed
// message must never be lost to an archive error, it simply stays
// in INBOX.
func (r *Runner) archive(mb Mailbox, uid uint32, folder string, log *slog.Logger) {
	if folder == "" {
		return
	}
	if err := mb.MoveToFolder(uid, folder); err != nil {
		log.Warn("archiving message failed, leaving in INBOX",
			"folder", folder, "error", err)
	}
}

// mapCandidates converts extraction candidates into nugget rows.
// Candidates with no usable title or body are dropped.
func (r *Runner) mapCandidates(
	userID string,
	sig *model.Signal,
	src *model.Source,
	candidates []llm.NuggetCandidate,
) []model.Nugget {
	sourceLabel := sig.SourceIdentifier
	if src != nil && src.DisplayName != "" {
		sourceLabel = src.DisplayName
	}

	nuggets := make([]model.Nugget, 0, len(candidates))
	for _, c := range candidates {
		body := c.Body()
		if c.Title == "" && body == "" {
			continue
		}

		topic, tags := c.ResolveTopics()

		score := c.RelevancyScore
		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}

		title := c.Title
		if title == "" {
			title = sig.Title
		}

		publishedDate := sig.ReceivedDate
		nuggets = append(nuggets, model.Nugget{
			UserID:         userID,
			SignalID:       sig.ID,
			Title:          title,
			Content:        body,
			Link:           c.ResolvedLink(),
			SourceLabel:    sourceLabel,
			PublishedDate:  &publishedDate,
			RelevancyScore: score,
			Topic:          topic,
			Tags:           tags,
			Status:         model.NuggetStatusUnread,
		})
	}

	return nuggets
}

// ProcessSignal re-runs extraction for a single signal, the entry
// point behind the internal reprocess trigger. The signal must be
// pending; callers reset failed signals first. No mailbox mutation
// happens on this path, so no archiving occurs either.
func (r *Runner) ProcessSignal(ctx context.Context, userID, signalID string) error {
	sig, err := r.store.GetSignalByID(ctx, userID, signalID)
	if err != nil {
		return fmt.Errorf("loading signal %s: %w", signalID, err)
	}
	if sig == nil {
		return fmt.Errorf("signal %s not found", signalID)
	}
	if sig.Status != model.SignalStatusPending {
		return fmt.Errorf("signal %s is %s, reset it before reprocessing",
			signalID, sig.Status)
	}

	var src *model.Source
	if sig.SourceID != nil {
		src, err = r.store.GetSourceByID(ctx, userID, *sig.SourceID)
		if err != nil {
			return fmt.Errorf("loading source for signal %s: %w", signalID, err)
		}
	}

	res := &Result{}
	r.extractSignal(ctx, userID, sig, src, 0, nil, "", res)

	if res.RateLimited {
		return fmt.Errorf("reprocessing signal %s: %w", signalID, ratelimit.ErrLimited)
	}
	if res.Failed > 0 {
		return fmt.Errorf("reprocessing signal %s: %s", signalID, res.Errors[0].Error)
	}
	return nil
}
