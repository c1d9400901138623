package service

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"ticketbridge/internal/constants"
	"ticketbridge/internal/errors"
	"ticketbridge/internal/metrics"
	"ticketbridge/internal/tracing"
	"ticketbridge/pkg/whmcs"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Engine routes every ticket operation through the keyed pool so that a
// webhook, a command and the sweep never work on the same ticket at once.
type Engine struct {
	reconciler  *Reconciler
	pool        *KeyedPool
	tickets     TicketSystem
	store       Store
	statuses    StatusClassifier
	attachments AttachmentProcessor
	clients     *ClientDirectory
	concurrency int
	logger      *logrus.Logger
}

func NewEngine(reconciler *Reconciler, pool *KeyedPool, concurrency int, logger *logrus.Logger) *Engine {
	if concurrency <= 0 {
		concurrency = constants.DefaultSyncConcurrency
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		reconciler:  reconciler,
		pool:        pool,
		tickets:     reconciler.tickets,
		store:       reconciler.store,
		statuses:    reconciler.statuses,
		attachments: reconciler.attachments,
		clients:     reconciler.clients,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Reconciler exposes the engine's reconciler to command handlers.
func (e *Engine) Reconciler() *Reconciler { return e.reconciler }

// SyncTicket runs SyncOne for ticketID on the pool and waits for it.
func (e *Engine) SyncTicket(ctx context.Context, ticketID string) error {
	return e.pool.Do(ctx, ticketID, func(ctx context.Context) error {
		return e.reconciler.SyncOne(ctx, ticketID)
	})
}

// RunExclusive runs fn on the pool under the ticket's key.
func (e *Engine) RunExclusive(ctx context.Context, ticketID string, fn func(ctx context.Context) error) error {
	return e.pool.Do(ctx, ticketID, fn)
}

// SyncAll maps departments, then reconciles every ticket in an active
// status and removes channels of closed tickets. It returns how many
// channels were created.
func (e *Engine) SyncAll(ctx context.Context) (int, error) {
	start := time.Now()
	log := e.logger.WithField(LogFieldOperation, "sync_all")
	log.Info("Starting full synchronisation")

	if _, err := e.reconciler.SyncDepartments(ctx); err != nil {
		errors.Entry(log, err).Warn("Department sync failed, continuing with existing mappings")
	}

	e.statuses.Invalidate()
	active := e.statuses.ActiveStatusNames(ctx)
	onHold := e.reconciler.cfg.OnHoldStatus
	hasOnHold := false
	for _, s := range active {
		if strings.EqualFold(s, onHold) {
			hasOnHold = true
		}
	}
	if !hasOnHold {
		active = append(active, onHold)
	}

	summaries, err := e.tickets.GetTickets(ctx, whmcs.TicketFilter{})
	if err != nil {
		return 0, err
	}
	activeSet := make(map[string]bool, len(active))
	for _, s := range active {
		activeSet[strings.ToLower(s)] = true
	}

	var created, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, s := range summaries {
		tid := s.TID.String()
		status := s.Status
		if tid == "" {
			continue
		}

		switch {
		case e.statuses.IsClosed(ctx, status):
			g.Go(func() error {
				err := e.pool.Do(gctx, tid, func(ctx context.Context) error {
					m, err := e.store.GetTicketMapping(ctx, tid)
					if err != nil || m == nil {
						return err
					}
					return e.reconciler.removeTicket(ctx, tid)
				})
				if err != nil {
					failed.Add(1)
					errors.Entry(log, err).WithField(LogFieldTicketID, tid).Warn("Failed to remove closed ticket")
				}
				return nil
			})
		case activeSet[strings.ToLower(status)]:
			g.Go(func() error {
				err := e.pool.Do(gctx, tid, func(ctx context.Context) error {
					before, err := e.store.GetTicketMapping(ctx, tid)
					if err != nil {
						return err
					}
					if err := e.reconciler.SyncOne(ctx, tid); err != nil {
						return err
					}
					if before == nil {
						if after, _ := e.store.GetTicketMapping(ctx, tid); after != nil {
							created.Add(1)
						}
					}
					return nil
				})
				if err != nil {
					failed.Add(1)
					errors.Entry(log, err).WithField(LogFieldTicketID, tid).Warn("Failed to sync ticket")
				}
				return nil
			})
		}
	}
	// Workers never return errors, only ctx cancellation can surface here.
	if err := g.Wait(); err != nil {
		return int(created.Load()), err
	}

	metrics.RecordTimer("full_sync_duration", time.Since(start), nil, "Duration of a full synchronisation")
	log.WithFields(logrus.Fields{
		LogFieldCount:    len(summaries),
		"created":        created.Load(),
		LogFieldFailed:   failed.Load(),
		LogFieldDuration: time.Since(start).Milliseconds(),
	}).Info("Completed full synchronisation")
	return int(created.Load()), ctx.Err()
}

// Sweep reconciles every stored mapping, then clears stale staged files and
// expired client cache entries.
func (e *Engine) Sweep(ctx context.Context) error {
	mappings, err := e.store.ListTicketMappings(ctx)
	if err != nil {
		return err
	}

	errLog := errors.FromLogrus(e.logger)
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, m := range mappings {
		tid := m.TicketID
		g.Go(func() error {
			if err := e.SyncTicket(gctx, tid); err != nil {
				failed.Add(1)
				errLog.LogRetryableError(err, "Sweep failed for ticket", logrus.Fields{LogFieldTicketID: tid})
			}
			return nil
		})
	}
	_ = g.Wait()

	if e.attachments != nil {
		if _, err := e.attachments.SweepStale(); err != nil {
			errors.Entry(e.logger, err).Warn("Staged attachment sweep failed")
		}
	}
	if e.clients != nil {
		if n, err := e.clients.Purge(ctx); err != nil {
			errors.Entry(e.logger, err).Warn("Client cache purge failed")
		} else if n > 0 {
			e.logger.WithField(LogFieldCount, n).Debug("Purged expired client cache entries")
		}
	}

	metrics.IncrementCounter("sweeps_total", nil, "Periodic sweeps completed")
	e.logger.WithFields(logrus.Fields{
		LogFieldCount:    len(mappings),
		LogFieldFailed:   failed.Load(),
		LogFieldDuration: tracing.Duration(ctx).Milliseconds(),
		"request_id":     tracing.GetRequestID(ctx),
	}).Info("Completed periodic sweep")
	return nil
}

// Scheduler triggers the periodic sweep.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *logrus.Logger
	stopCh   chan struct{}
}

func NewScheduler(engine *Engine, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if interval <= 0 {
		interval = constants.DefaultSyncIntervalSec * time.Second
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval.String()).Info("Starting sweep scheduler")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) runSweep(ctx context.Context) {
	ctx = tracing.WithFullTracing(ctx)
	if err := s.engine.Sweep(ctx); err != nil {
		s.logger.WithError(err).WithField("request_id", tracing.GetRequestID(ctx)).Error("Failed to run sweep")
	}
}
