// Package status classifies WHMCS ticket statuses as open-like or
// closed-like using the live status catalog.
package status

import (
	"context"
	"strings"
	"sync"
	"time"

	"ticketbridge/pkg/whmcs"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Source fetches the status catalog.
type Source interface {
	GetSupportStatuses(ctx context.Context) ([]whmcs.Status, error)
}

// FallbackStatuses is used until the catalog has been fetched once
// successfully, and whenever it cannot be.
var FallbackStatuses = []string{"Open", "Answered", "Customer-Reply", "Closed"}

// Classifier caches the status catalog and answers classification
// questions. Classification never fails.
type Classifier struct {
	source       Source
	closedStatus string
	ttl          time.Duration
	logger       *logrus.Logger
	now          func() time.Time

	group     singleflight.Group
	mu        sync.RWMutex
	catalog   []string
	fetchedAt time.Time
}

func NewClassifier(source Source, closedStatus string, ttl time.Duration, logger *logrus.Logger) *Classifier {
	if closedStatus == "" {
		closedStatus = "Closed"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Classifier{
		source:       source,
		closedStatus: closedStatus,
		ttl:          ttl,
		logger:       logger,
		now:          time.Now,
	}
}

// IsClosed reports whether status means the ticket is finished. It only
// compares against the configured closed status and never hits the catalog.
func (c *Classifier) IsClosed(_ context.Context, status string) bool {
	return strings.EqualFold(strings.TrimSpace(status), c.closedStatus)
}

// IsOpen reports whether status belongs to the active catalog and is not closed-like.
func (c *Classifier) IsOpen(ctx context.Context, status string) bool {
	if c.IsClosed(ctx, status) {
		return false
	}
	status = strings.TrimSpace(status)
	for _, name := range c.ActiveStatusNames(ctx) {
		if strings.EqualFold(name, status) {
			return true
		}
	}
	return false
}

// ActiveStatusNames returns every catalog status except the closed one.
func (c *Classifier) ActiveStatusNames(ctx context.Context) []string {
	catalog := c.refreshIfStale(ctx)
	active := make([]string, 0, len(catalog))
	for _, name := range catalog {
		if !strings.EqualFold(name, c.closedStatus) {
			active = append(active, name)
		}
	}
	return active
}

// Invalidate forces the next call to refetch the catalog.
func (c *Classifier) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Classifier) refreshIfStale(ctx context.Context) []string {
	c.mu.RLock()
	catalog, fetchedAt := c.catalog, c.fetchedAt
	c.mu.RUnlock()

	if catalog != nil && !fetchedAt.IsZero() && c.now().Sub(fetchedAt) < c.ttl {
		return catalog
	}

	v, _, _ := c.group.Do("catalog", func() (interface{}, error) {
		statuses, err := c.source.GetSupportStatuses(ctx)
		if err != nil || len(statuses) == 0 {
			c.logger.WithError(err).Warn("Failed to fetch ticket status catalog, using fallback")
			c.mu.RLock()
			defer c.mu.RUnlock()
			if c.catalog != nil {
				return c.catalog, nil
			}
			return FallbackStatuses, nil
		}

		names := make([]string, 0, len(statuses))
		for _, s := range statuses {
			if title := strings.TrimSpace(s.Title); title != "" {
				names = append(names, title)
			}
		}

		c.mu.Lock()
		c.catalog = names
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return names, nil
	})
	return v.([]string)
}
