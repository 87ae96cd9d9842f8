package gallery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wolfeidau/selectify"
	"github.com/wolfeidau/selectify/store/metadb"
	"github.com/wolfeidau/selectify/telemetry"
)

var errOverThreshold = errors.New("visit threshold exceeded")

// Gate enforces the visit limit on public gallery views.
type Gate struct {
	links     *metadb.Collection
	threshold int
	logger    *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithVisitThreshold sets the threshold. A view is refused once the link's
// visit count is greater than the threshold, so threshold+1 views succeed.
func WithVisitThreshold(n int) GateOption {
	return func(g *Gate) {
		g.threshold = n
	}
}

// WithGateLogger sets the logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// NewGate creates a gate over the links held by registry.
func NewGate(registry *Registry, opts ...GateOption) *Gate {
	g := &Gate{
		links:     registry.links,
		threshold: DefaultVisitThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Threshold returns the configured visit threshold.
func (g *Gate) Threshold() int {
	return g.threshold
}

// CheckAndRecordVisit admits one public view of link id. On success it
// returns the link as it was before this visit was counted. The check and the
// increment happen in one store transaction, so concurrent views can never
// push the count past threshold+1.
func (g *Gate) CheckAndRecordVisit(ctx context.Context, id string) (*PhotoLinkRecord, error) {
	const op = "gallery.CheckAndRecordVisit"

	var seen PhotoLinkRecord
	err := metadb.UpdateJSON(ctx, g.links, id, func(link *PhotoLinkRecord) error {
		seen = *link
		if link.VisitCount > g.threshold {
			return errOverThreshold
		}
		link.VisitCount++
		return nil
	})

	switch {
	case err == nil:
		telemetry.RecordGateDecision(ctx, telemetry.DecisionAllowed)
		g.logger.Debug("gallery view allowed", "link_id", id, "visit_count", seen.VisitCount+1)
		return &seen, nil
	case errors.Is(err, errOverThreshold):
		telemetry.RecordGateDecision(ctx, telemetry.DecisionForbidden)
		g.logger.Info("gallery view refused", "link_id", id, "visit_count", seen.VisitCount)
		return nil, &selectify.Error{Code: selectify.CodeForbidden, Op: op, Msg: "link has been visited too many times", Err: err}
	case errors.Is(err, metadb.ErrNotFound):
		telemetry.RecordGateDecision(ctx, telemetry.DecisionNotFound)
		return nil, linkError(err, op)
	default:
		return nil, linkError(err, op)
	}
}
