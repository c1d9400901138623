// Package attachments downloads WHMCS reply attachments, stages them on
// disk and hands file references to the chat side.
package attachments

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"ticketbridge/internal/constants"
	"ticketbridge/internal/errors"
	"ticketbridge/internal/retry"
	"ticketbridge/pkg/whmcs"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Fetcher downloads a single attachment from WHMCS.
type Fetcher interface {
	GetTicketAttachment(ctx context.Context, q whmcs.AttachmentQuery) (*whmcs.AttachmentData, error)
}

// TicketContext identifies the reply the attachments belong to.
type TicketContext struct {
	TicketID   string
	InternalID int64
	ReplyID    string
}

// Config tunes the pipeline. Zero values take the package defaults.
type Config struct {
	TempDir           string
	MaxSizeBytes      int64
	AllowedExtensions []string
	MaxAttempts       int
	AttemptTimeout    time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxAge            time.Duration
}

func (c *Config) applyDefaults() {
	if c.TempDir == "" {
		c.TempDir = filepath.Join(os.TempDir(), "ticketbridge-attachments")
	}
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = constants.DefaultAttachmentMaxSizeMB * constants.BytesPerMegabyte
	}
	if len(c.AllowedExtensions) == 0 {
		c.AllowedExtensions = constants.DefaultAttachmentExtensions
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = constants.DefaultAttachmentAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = constants.DefaultAttachmentTimeoutSec * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = constants.DefaultAttachmentBackoffMs * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = constants.DefaultAttachmentMaxBackoffMs * time.Millisecond
	}
	if c.MaxAge <= 0 {
		c.MaxAge = constants.DefaultStagedFileMaxAgeSec * time.Second
	}
}

// strategy is one way of locating an attachment upstream.
type strategy struct {
	name  string
	query func(ref whmcs.AttachmentRef, tc TicketContext) (whmcs.AttachmentQuery, bool)
}

func attachmentIndex(ref whmcs.AttachmentRef) (int64, bool) {
	if ref.Index != nil {
		return ref.Index.Int64(), true
	}
	if ref.ID > 0 {
		return ref.ID.Int64(), true
	}
	return 0, false
}

var defaultStrategies = []strategy{
	{
		name: "reply",
		query: func(ref whmcs.AttachmentRef, tc TicketContext) (whmcs.AttachmentQuery, bool) {
			idx, ok := attachmentIndex(ref)
			replyID, err := strconv.ParseInt(tc.ReplyID, 10, 64)
			if !ok || err != nil || replyID <= 0 {
				return whmcs.AttachmentQuery{}, false
			}
			return whmcs.AttachmentQuery{Scope: whmcs.ScopeReply, RelatedID: replyID, Index: idx}, true
		},
	},
	{
		name: "ticket",
		query: func(ref whmcs.AttachmentRef, tc TicketContext) (whmcs.AttachmentQuery, bool) {
			idx, ok := attachmentIndex(ref)
			if !ok || tc.InternalID <= 0 {
				return whmcs.AttachmentQuery{}, false
			}
			return whmcs.AttachmentQuery{Scope: whmcs.ScopeTicket, RelatedID: tc.InternalID, Index: idx}, true
		},
	},
}

// Pipeline turns attachment descriptors into staged files.
type Pipeline struct {
	fetcher    Fetcher
	cfg        Config
	policy     Policy
	backoff    *retry.Backoff
	strategies []strategy
	logger     *logrus.Logger
}

// NewPipeline creates the staging directory and returns a ready pipeline.
func NewPipeline(fetcher Fetcher, cfg Config, logger *logrus.Logger) (*Pipeline, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(cfg.TempDir, constants.DefaultDirectoryPermissions); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to create attachment staging directory")
	}
	return &Pipeline{
		fetcher: fetcher,
		cfg:     cfg,
		policy:  NewPolicy(cfg.AllowedExtensions, cfg.MaxSizeBytes),
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay:   cfg.InitialBackoff,
			MaxDelay:       cfg.MaxBackoff,
			Multiplier:     2.0,
			MaxAttempts:    cfg.MaxAttempts,
			Jitter:         true,
			AttemptTimeout: cfg.AttemptTimeout,
		}),
		strategies: defaultStrategies,
		logger:     logger,
	}, nil
}

// Process fetches every descriptor and stages the results under a fresh
// batch directory. Failures are recorded on the batch and never returned;
// the caller must defer Batch.Cleanup.
func (p *Pipeline) Process(ctx context.Context, refs []whmcs.AttachmentRef, tc TicketContext) *Batch {
	batch := &Batch{dir: filepath.Join(p.cfg.TempDir, uuid.NewString()), logger: p.logger}

	for i, ref := range refs {
		name := ref.DisplayName()
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i+1)
		}
		log := p.logger.WithFields(logrus.Fields{
			"ticket_id": tc.TicketID,
			"reply_id":  tc.ReplyID,
			"file_name": name,
			"kind":      Kind(name),
		})

		if !p.policy.AllowsName(name) {
			log.Warn("Skipping attachment with disallowed extension")
			batch.Rejected = append(batch.Rejected, name)
			continue
		}
		if ref.Size > 0 && !p.policy.AllowsSize(ref.Size.Int64()) {
			log.WithField("size_bytes", ref.Size.Int64()).Warn("Skipping attachment above size ceiling")
			batch.Rejected = append(batch.Rejected, name)
			continue
		}

		data, err := p.fetch(ctx, ref, tc)
		if err != nil {
			errors.Entry(log, err).Warn("Attachment could not be fetched")
			batch.Failed = append(batch.Failed, name)
			continue
		}
		if !p.policy.AllowsSize(int64(len(data))) {
			log.WithField("size_bytes", len(data)).Warn("Skipping attachment above size ceiling")
			batch.Rejected = append(batch.Rejected, name)
			continue
		}

		file, err := batch.stage(name, data)
		if err != nil {
			errors.Entry(log, err).Error("Failed to stage attachment")
			batch.Failed = append(batch.Failed, name)
			continue
		}
		batch.Files = append(batch.Files, file)
	}
	return batch
}

// fetch tries inline data first, then each strategy in order.
func (p *Pipeline) fetch(ctx context.Context, ref whmcs.AttachmentRef, tc TicketContext) ([]byte, error) {
	if ref.Data != "" {
		data, err := base64.StdEncoding.DecodeString(ref.Data)
		if err != nil {
			return nil, errors.NewMalformedError("inline attachment", err.Error())
		}
		return data, nil
	}

	var lastErr error
	tried := false
	for _, s := range p.strategies {
		q, ok := s.query(ref, tc)
		if !ok {
			continue
		}
		tried = true
		var result *whmcs.AttachmentData
		err := p.backoff.Do(ctx, func(attemptCtx context.Context) error {
			var ferr error
			result, ferr = p.fetcher.GetTicketAttachment(attemptCtx, q)
			return ferr
		}, errors.IsRetryable)
		if err == nil {
			return result.Data, nil
		}
		p.logger.WithFields(logrus.Fields{
			"strategy":  s.name,
			"ticket_id": tc.TicketID,
		}).WithError(err).Debug("Attachment strategy failed")
		lastErr = err
	}
	if !tried {
		return nil, errors.NewMalformedError("attachment descriptor", "no index, id or inline data")
	}
	return nil, errors.NewAttachmentError("fetch", ref.DisplayName(), lastErr)
}

// SweepStale removes staged files and batch directories older than the
// configured age. It returns the number of entries removed.
func (p *Pipeline) SweepStale() (int, error) {
	entries, err := os.ReadDir(p.cfg.TempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, errors.ErrCodeInternalError, "failed to read staging directory")
	}

	cutoff := time.Now().Add(-p.cfg.MaxAge)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(p.cfg.TempDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			p.logger.WithError(err).WithField("file_path", path).Warn("Failed to remove stale staged attachment")
			continue
		}
		removed++
	}
	if removed > 0 {
		p.logger.WithField("count", removed).Debug("Removed stale staged attachments")
	}
	return removed, nil
}

// RunSweeper calls SweepStale every interval until ctx is done.
func (p *Pipeline) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = constants.DefaultStagedSweepIntervalSec * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.SweepStale(); err != nil {
				p.logger.WithError(err).Warn("Staged attachment sweep failed")
			}
		}
	}
}
