package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cyderes/mail-intake-service/internal/config"
	"github.com/cyderes/mail-intake-service/internal/filename"
	"github.com/cyderes/mail-intake-service/internal/models"
	"github.com/cyderes/mail-intake-service/internal/webhook"
)

// ErrPassInProgress is returned when a pass is requested while another one runs.
var ErrPassInProgress = errors.New("ingestion pass already in progress")

// Lister lists candidate files in the inbox folder.
type Lister interface {
	ListInboxFiles(ctx context.Context) ([]models.DriveFile, error)
}

// Mover archives an imported file. Only used with the move post-import action.
type Mover interface {
	MoveToProcessed(ctx context.Context, fileID string) (models.DriveFile, error)
}

// Deliverer hands a parsed file to the backend import endpoint.
type Deliverer interface {
	Deliver(ctx context.Context, p webhook.Payload) (webhook.Result, error)
}

// StatusStore persists the outcome of each pass.
type StatusStore interface {
	UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error
	GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error)
}

// ErrorRecorder counts failed calls to external endpoints.
type ErrorRecorder interface {
	RecordAPIError(endpoint string, statusCode int, detail string)
}

// Service drives ingestion passes over the inbox
type Service struct {
	config    config.IngestionConfig
	lister    Lister
	mover     Mover
	deliverer Deliverer
	store     StatusStore
	recorder  ErrorRecorder
	logger    *slog.Logger
	running   atomic.Bool

	// Clock is used for pass timings.
	Clock func() time.Time
}

// NewService creates a new ingestion service. When the post-import action is
// move, lister must also implement Mover.
func NewService(cfg config.IngestionConfig, lister Lister, deliverer Deliverer, store StatusStore, recorder ErrorRecorder, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		config:    cfg,
		lister:    lister,
		deliverer: deliverer,
		store:     store,
		recorder:  recorder,
		logger:    logger,
		Clock:     time.Now,
	}
	if cfg.PostImportAction == config.ActionMove {
		mover, ok := lister.(Mover)
		if !ok {
			return nil, fmt.Errorf("post-import action %q requires a drive client that can move files", cfg.PostImportAction)
		}
		s.mover = mover
	}
	return s, nil
}

// Start runs one pass immediately and then one per interval until ctx is
// done. Pass failures are logged and never stop the loop.
func (s *Service) Start(ctx context.Context) error {
	s.runLogged(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

// RunOnce runs exactly one pass. It fails only when the inbox could not be listed.
func (s *Service) RunOnce(ctx context.Context) error {
	_, err := s.RunPass(ctx)
	return err
}

func (s *Service) runLogged(ctx context.Context) {
	if _, err := s.RunPass(ctx); err != nil {
		if errors.Is(err, ErrPassInProgress) {
			s.logger.Warn("skipping tick, previous pass still running")
			return
		}
		s.logger.Error("ingestion pass failed", "error", err)
	}
}

// RunPass lists the inbox and processes every file sequentially. A failure
// on one file never aborts the batch; the returned error is non-nil only
// when listing fails or another pass is running.
func (s *Service) RunPass(ctx context.Context) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrPassInProgress
	}
	defer s.running.Store(false)

	report := &Report{PassID: uuid.NewString(), StartedAt: s.Clock().UTC()}
	logger := s.logger.With("pass_id", report.PassID)
	s.markRunning(ctx, logger, report)

	files, err := s.lister.ListInboxFiles(ctx)
	if err != nil {
		report.FinishedAt = s.Clock().UTC()
		report.Err = err
		s.saveStatus(ctx, logger, report)
		return report, fmt.Errorf("failed to list inbox: %w", err)
	}
	report.Listed = len(files)
	logger.Info("listed inbox", "files", len(files))

	for _, file := range files {
		if ctx.Err() != nil {
			break
		}
		outcome := s.processFile(ctx, logger, file)
		report.add(outcome)
	}

	report.FinishedAt = s.Clock().UTC()
	s.saveStatus(ctx, logger, report)
	logger.Info("ingestion pass complete",
		"listed", report.Listed,
		"imported", report.Imported,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

func (s *Service) processFile(ctx context.Context, logger *slog.Logger, file models.DriveFile) FileOutcome {
	logger = logger.With("file_id", file.ID, "file", file.Name)

	attr, ok := filename.Parse(file.Name)
	if !ok {
		logger.Info("skipping file, name does not match the intake pattern")
		return FileOutcome{File: file, Kind: OutcomeSkipped, Reason: "unrecognized file name"}
	}

	payload := webhook.Payload{
		UserID:              attr.UserID,
		SourceSlug:          attr.SourceSlug,
		FileName:            file.Name,
		OneDriveFileID:      file.ID,
		OneDriveDownloadURL: file.DownloadRef,
		CreatedAt:           file.CreatedAt.UTC().Format(time.RFC3339),
	}

	res, err := s.deliverer.Deliver(ctx, payload)
	if err != nil {
		logger.Error("webhook delivery failed", "error", err)
		s.recordError(0, err.Error())
		return FileOutcome{File: file, Kind: OutcomeDeliveryFailed, Reason: err.Error()}
	}
	if !res.OK {
		logger.Error("webhook rejected file", "status_code", res.StatusCode, "reason", res.Error)
		if res.StatusCode < 200 || res.StatusCode > 299 {
			s.recordError(res.StatusCode, res.Error)
		}
		return FileOutcome{File: file, Kind: OutcomeDeliveryFailed, Reason: res.Error}
	}

	logger.Info("imported file", "user_id", attr.UserID, "source", attr.SourceSlug, "mail_id", res.MailID)
	outcome := FileOutcome{File: file, Kind: OutcomeImported, MailID: res.MailID}

	if s.mover != nil {
		if _, err := s.mover.MoveToProcessed(ctx, file.ID); err != nil {
			logger.Error("failed to move imported file", "error", err)
			outcome.Reason = fmt.Sprintf("move failed: %v", err)
		} else {
			outcome.Moved = true
		}
	}
	return outcome
}

func (s *Service) recordError(statusCode int, detail string) {
	if s.recorder != nil {
		s.recorder.RecordAPIError("webhook", statusCode, detail)
	}
}

func (s *Service) markRunning(ctx context.Context, logger *slog.Logger, report *Report) {
	if s.store == nil {
		return
	}
	status := models.IngestionStatus{
		PassID:      report.PassID,
		LastAttempt: report.StartedAt,
		Status:      models.IngestionRunning,
	}
	if previous, err := s.store.GetIngestionStatus(ctx); err == nil && previous != nil {
		status.LastSuccessfulRun = previous.LastSuccessfulRun
	}
	if err := s.store.UpdateIngestionStatus(ctx, status); err != nil {
		logger.Error("failed to save ingestion status", "error", err)
	}
}

func (s *Service) saveStatus(ctx context.Context, logger *slog.Logger, report *Report) {
	if s.store == nil {
		return
	}
	status := models.IngestionStatus{
		PassID:        report.PassID,
		LastAttempt:   report.StartedAt,
		FilesListed:   report.Listed,
		FilesImported: report.Imported,
		FilesSkipped:  report.Skipped,
		FilesFailed:   report.Failed,
	}
	if previous, err := s.store.GetIngestionStatus(ctx); err == nil && previous != nil {
		status.LastSuccessfulRun = previous.LastSuccessfulRun
	}
	if report.Err != nil {
		status.Status = models.IngestionFailure
		status.ErrorMessage = report.Err.Error()
	} else {
		status.Status = models.IngestionSuccess
		status.LastSuccessfulRun = report.FinishedAt
	}
	if err := s.store.UpdateIngestionStatus(ctx, status); err != nil {
		logger.Error("failed to save ingestion status", "error", err)
	}
}
