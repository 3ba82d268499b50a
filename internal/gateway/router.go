package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"QuantLab/internal/algo"
	"QuantLab/internal/domain/models"
)

const minChildQty = 1e-9

// Router splits a parent order across venues proportionally to their
// liquidity scores and submits each child through that venue's gateway.
type Router struct {
	gateways map[string]*Gateway
	scores   map[string]float64
}

func NewRouter(gateways map[string]*Gateway, scores map[string]float64) (*Router, error) {
	if len(gateways) == 0 {
		return nil, fmt.Errorf("%w: router needs at least one venue", models.ErrInvalidConfig)
	}
	s := make(map[string]float64, len(gateways))
	for name := range gateways {
		s[name] = scores[name]
	}
	return &Router{gateways: gateways, scores: s}, nil
}

// Venues returns the venue names in sorted order.
func (r *Router) Venues() []string {
	out := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CancelPending cancels pending retries on every venue.
func (r *Router) CancelPending() {
	for _, g := range r.gateways {
		g.CancelPending()
	}
}

// Submit routes o and returns one ack per child in venue order. Child
// failures are joined into the returned error; other children still go out.
func (r *Router) Submit(ctx context.Context, o models.Order) ([]Ack, error) {
	split := algo.SplitAcrossVenues(o.Quantity, r.scores)
	var (
		acks []Ack
		errs []error
	)
	for _, venue := range r.Venues() {
		qty := split[venue]
		if qty < minChildQty {
			continue
		}
		child := o
		child.Quantity = qty
		if o.ID != "" && len(r.gateways) > 1 {
			child.ID = o.ID + "-" + venue
		}
		ack, err := r.gateways[venue].Submit(ctx, child)
		acks = append(acks, ack)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return acks, errors.Join(errs...)
}
