package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ticketbridge/internal/constants"
	"ticketbridge/internal/errors"
	"ticketbridge/pkg/whmcs"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var fallbackPriorities = []string{"Low", "Medium", "High"}

// PriorityCatalog lists the priority levels seen on WHMCS tickets. WHMCS
// has no call for the configured levels, so they are collected from the
// ticket list and cached.
type PriorityCatalog struct {
	tickets TicketSystem
	ttl     time.Duration
	logger  *logrus.Logger
	now     func() time.Time

	mu      sync.RWMutex
	levels  []string
	expires time.Time
	group   singleflight.Group
}

func NewPriorityCatalog(tickets TicketSystem, ttl time.Duration, logger *logrus.Logger) *PriorityCatalog {
	if ttl <= 0 {
		ttl = constants.DefaultPriorityCacheTTLSec * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &PriorityCatalog{tickets: tickets, ttl: ttl, logger: logger, now: time.Now}
}

// Levels returns the sorted priority names. On failure it returns Low,
// Medium and High without caching them.
func (c *PriorityCatalog) Levels(ctx context.Context) []string {
	c.mu.RLock()
	if c.levels != nil && c.now().Before(c.expires) {
		levels := c.levels
		c.mu.RUnlock()
		return levels
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("levels", func() (interface{}, error) {
		summaries, err := c.tickets.GetTickets(ctx, whmcs.TicketFilter{})
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool)
		var levels []string
		for _, s := range summaries {
			p := strings.TrimSpace(s.Priority)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			levels = append(levels, p)
		}
		if len(levels) == 0 {
			levels = append(levels, fallbackPriorities...)
		}
		sort.Strings(levels)

		c.mu.Lock()
		c.levels = levels
		c.expires = c.now().Add(c.ttl)
		c.mu.Unlock()
		c.logger.WithField(LogFieldCount, len(levels)).Debug("Refreshed priority levels")
		return levels, nil
	})
	if err != nil {
		errors.Entry(c.logger, err).Warn("Failed to load priority levels, using defaults")
		return append([]string(nil), fallbackPriorities...)
	}
	return v.([]string)
}
