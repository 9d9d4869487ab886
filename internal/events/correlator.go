// Package events reconstructs the delivery timeline of a research request
// from the broker's event log.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/deepqueue/internal/hookdeck"
)

// Direction tags an event relative to this service.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// TimelineEntry is one broker event in a research timeline.
type TimelineEntry struct {
	ID        string          `json:"id"`
	Type      Direction       `json:"type"`
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventSearcher queries the broker event log. Implemented by hookdeck.Client.
type EventSearcher interface {
	ListEvents(ctx context.Context, searchTerm string) ([]hookdeck.Event, error)
}

// ConnectionReader exposes the cached routes. Implemented by hookdeck.Provisioner.
type ConnectionReader interface {
	GetConnections(ctx context.Context) (*hookdeck.StoredConnections, error)
}

// Correlator merges the events found under a request id and an upstream
// job id into one ordered timeline.
type Correlator struct {
	searcher EventSearcher
	conns    ConnectionReader
	logger   *slog.Logger
}

func NewCorrelator(searcher EventSearcher, conns ConnectionReader, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{searcher: searcher, conns: conns, logger: logger}
}

// GetCorrelatedEvents returns the timeline for requestID. upstreamJobID may
// be empty, in which case only one query is made. Both queries run
// concurrently and either failing fails the call.
func (c *Correlator) GetCorrelatedEvents(ctx context.Context, requestID, upstreamJobID string) ([]TimelineEntry, error) {
	terms := []string{requestID}
	if id := strings.TrimSpace(upstreamJobID); id != "" && id != requestID {
		terms = append(terms, id)
	}

	results := make([][]hookdeck.Event, len(terms))
	g, gctx := errgroup.WithContext(ctx)
	for i, term := range terms {
		g.Go(func() error {
			evts, err := c.searcher.ListEvents(gctx, term)
			if err != nil {
				return err
			}
			results[i] = evts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var webhookSourceID string
	conns, err := c.conns.GetConnections(ctx)
	if err != nil {
		return nil, err
	}
	if conns != nil {
		webhookSourceID = conns.Webhook.SourceID
	} else {
		c.logger.Debug("connections not provisioned; tagging every event outbound", "research_id", requestID)
	}

	return Merge(webhookSourceID, results...), nil
}

// Merge concatenates event sets in argument order, keeps the first
// occurrence of each non-empty id, and stable-sorts by creation time. Events from
// webhookSourceID are inbound; everything else is outbound. The result is
// never nil.
func Merge(webhookSourceID string, sets ...[]hookdeck.Event) []TimelineEntry {
	seen := make(map[string]struct{})
	out := make([]TimelineEntry, 0)
	for _, set := range sets {
		for _, e := range set {
			if e.ID != "" {
				if _, dup := seen[e.ID]; dup {
					continue
				}
				seen[e.ID] = struct{}{}
			}

			dir := Outbound
			if webhookSourceID != "" && e.SourceID == webhookSourceID {
				dir = Inbound
			}
			out = append(out, TimelineEntry{
				ID:        e.ID,
				Type:      dir,
				Status:    e.Status,
				Timestamp: e.CreatedAt,
				Data:      e.Data,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
