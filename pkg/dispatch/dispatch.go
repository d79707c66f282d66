// Package dispatch fans an extension-point call out to its implementors and
// folds their outputs back together. Three disciplines exist: Collect keeps
// every output, Alter threads a document through a delta pipeline, and Vote
// reduces to a single access decision. In all three, one failing implementor
// is recorded and isolated; it never takes the request down with it.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/plinthworks/plinth/pkg/boundary"
	"github.com/plinthworks/plinth/pkg/identity"
	"github.com/plinthworks/plinth/pkg/observability"
	"github.com/plinthworks/plinth/pkg/registry"
)

// DefaultTimeout bounds a single implementor call. The sandbox engine kills
// the instance when the deadline passes, so a module stuck in a tight loop
// costs at most this long.
const DefaultTimeout = 2 * time.Second

// Invoker abstracts the per-request execution context.
type Invoker interface {
	Invoke(ctx context.Context, module, export string, payload []byte) ([]byte, error)
}

// Failure records one implementor that did not produce a usable output.
type Failure struct {
	Module string
	Point  string
	Err    error
}

func (f Failure) Error() string {
	return fmt.Sprintf("dispatch: %s at %s: %v", f.Module, f.Point, f.Err)
}

// Contribution is one implementor's output under the collect discipline.
type Contribution struct {
	Module string
	Weight int
	Output json.RawMessage
}

// Vote values a module may cast.
const (
	VoteGrant   = "grant"
	VoteDeny    = "deny"
	VoteNeutral = "neutral"
)

// Decision is the folded outcome of a vote dispatch.
type Decision struct {
	Allowed   bool
	DecidedBy string // module name, "policy", or "default"
	Reason    string
	Failures  []Failure
}

// Dispatcher routes extension-point calls through the registry.
type Dispatcher struct {
	registry *registry.Registry
	timeout  time.Duration
	logger   *slog.Logger
	obs      *observability.Provider

	denyShortCircuit bool
	neutralPolicy    *Policy
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-implementor watchdog deadline.
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.timeout = d }
}

// WithDenyShortCircuit stops a vote at the first deny instead of running
// every voter. Later voters then never observe the request.
func WithDenyShortCircuit() Option {
	return func(dp *Dispatcher) { dp.denyShortCircuit = true }
}

// WithNeutralPolicy resolves an all-neutral vote through the given policy.
// Without one, all-neutral denies.
func WithNeutralPolicy(p *Policy) Option {
	return func(dp *Dispatcher) { dp.neutralPolicy = p }
}

// WithObservability instruments dispatches through the provider.
func WithObservability(p *observability.Provider) Option {
	return func(dp *Dispatcher) { dp.obs = p }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(dp *Dispatcher) { dp.logger = l }
}

func New(reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		timeout:  DefaultTimeout,
		logger:   slog.Default().With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Collect calls every implementor of the point in weight order and returns
// each output in that order. Implementors that fail contribute a Failure
// instead; the rest of the chain still runs.
func (d *Dispatcher) Collect(ctx context.Context, inv Invoker, point string, payload *boundary.Payload) ([]Contribution, []Failure, error) {
	ctx, done := d.track(ctx, "dispatch.collect", point)

	raw, err := d.encode(point, payload)
	if err != nil {
		done(err)
		return nil, nil, err
	}

	var out []Contribution
	var failures []Failure
	for _, reg := range d.registry.ImplementorsOf(point) {
		result, err := d.callOne(ctx, inv, reg, raw)
		if err != nil {
			failures = append(failures, d.fail(ctx, reg, point, err))
			continue
		}
		out = append(out, Contribution{Module: reg.Module, Weight: reg.Weight, Output: result})
	}
	done(nil)
	return out, failures, nil
}

// Alter threads the record through every implementor in weight order. Each
// one receives the current canonical document and returns a merge-patch
// delta; the host applies it before the next implementor runs. A failing
// implementor leaves the document exactly as it found it.
func (d *Dispatcher) Alter(ctx context.Context, inv Invoker, point string, record, args json.RawMessage) (json.RawMessage, []Failure, error) {
	ctx, done := d.track(ctx, "dispatch.alter", point)

	doc, err := boundary.Canonicalize(record)
	if err != nil {
		done(err)
		return nil, nil, fmt.Errorf("dispatch: canonicalize record: %w", err)
	}

	var failures []Failure
	for _, reg := range d.registry.ImplementorsOf(point) {
		raw, err := d.encode(point, &boundary.Payload{Point: point, Record: doc, Args: args})
		if err != nil {
			done(err)
			return nil, failures, err
		}
		delta, err := d.callOne(ctx, inv, reg, raw)
		if err != nil {
			failures = append(failures, d.fail(ctx, reg, point, err))
			continue
		}
		if len(delta) == 0 || string(delta) == "null" {
			continue
		}
		next, err := boundary.ApplyDelta(doc, delta)
		if err != nil {
			failures = append(failures, d.fail(ctx, reg, point, fmt.Errorf("bad delta: %w", err)))
			continue
		}
		doc = next
	}
	done(nil)
	return doc, failures, nil
}

// voteBallot is what a voting implementor returns.
type voteBallot struct {
	Vote   string `json:"vote"`
	Reason string `json:"reason,omitempty"`
}

// Vote asks every implementor for grant, deny, or neutral and folds the
// ballots: any deny wins, then any grant, and all-neutral falls through to
// the configured policy. An implementor that fails or returns garbage votes
// deny; access control fails closed.
func (d *Dispatcher) Vote(ctx context.Context, inv Invoker, point string, subject *identity.Identity, payload *boundary.Payload) Decision {
	ctx, done := d.track(ctx, "dispatch.vote", point)
	defer done(nil)

	raw, err := d.encode(point, payload)
	if err != nil {
		return Decision{Allowed: false, DecidedBy: "default", Reason: err.Error()}
	}

	type pick struct {
		module string
		reason string
	}
	var failures []Failure
	var deny, grant *pick
	for _, reg := range d.registry.ImplementorsOf(point) {
		out, err := d.callOne(ctx, inv, reg, raw)
		if err != nil {
			failures = append(failures, d.fail(ctx, reg, point, err))
			if deny == nil {
				deny = &pick{reg.Module, "voter failed: " + err.Error()}
			}
		} else {
			var ballot voteBallot
			if jsonErr := json.Unmarshal(out, &ballot); jsonErr != nil || !validVote(ballot.Vote) {
				failures = append(failures, d.fail(ctx, reg, point, fmt.Errorf("unreadable ballot %q", out)))
				if deny == nil {
					deny = &pick{reg.Module, "unreadable ballot"}
				}
			} else {
				switch ballot.Vote {
				case VoteDeny:
					if deny == nil {
						deny = &pick{reg.Module, ballot.Reason}
					}
				case VoteGrant:
					if grant == nil {
						grant = &pick{reg.Module, ballot.Reason}
					}
				}
			}
		}
		if deny != nil && d.denyShortCircuit {
			break
		}
	}

	switch {
	case deny != nil:
		return Decision{Allowed: false, DecidedBy: deny.module, Reason: deny.reason, Failures: failures}
	case grant != nil:
		return Decision{Allowed: true, DecidedBy: grant.module, Reason: grant.reason, Failures: failures}
	}

	// Every voter was neutral (or nobody implements the point).
	if d.neutralPolicy == nil {
		return Decision{Allowed: false, DecidedBy: "default", Reason: "no vote cast and no default policy", Failures: failures}
	}
	allowed, err := d.neutralPolicy.Allow(subject)
	if err != nil {
		d.logger.ErrorContext(ctx, "neutral policy evaluation failed", "point", point, "error", err)
		return Decision{Allowed: false, DecidedBy: "default", Reason: err.Error(), Failures: failures}
	}
	return Decision{Allowed: allowed, DecidedBy: "policy", Reason: d.neutralPolicy.String(), Failures: failures}
}

func validVote(v string) bool {
	return v == VoteGrant || v == VoteDeny || v == VoteNeutral
}

func (d *Dispatcher) encode(point string, payload *boundary.Payload) ([]byte, error) {
	if payload == nil {
		payload = &boundary.Payload{}
	}
	payload.Point = point
	raw, err := boundary.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode payload for %s: %w", point, err)
	}
	return raw, nil
}

// callOne runs a single implementor under the watchdog deadline.
func (d *Dispatcher) callOne(ctx context.Context, inv Invoker, reg registry.Registration, payload []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return inv.Invoke(callCtx, reg.Module, reg.Export, payload)
}

func (d *Dispatcher) fail(ctx context.Context, reg registry.Registration, point string, err error) Failure {
	f := Failure{Module: reg.Module, Point: point, Err: err}
	d.logger.WarnContext(ctx, "implementor failed", "module", reg.Module, "point", point, "error", err)
	if d.obs != nil {
		d.obs.RecordError(ctx, err,
			attribute.String("module", reg.Module),
			attribute.String("point", point),
		)
	}
	return f
}

func (d *Dispatcher) track(ctx context.Context, name, point string) (context.Context, func(error)) {
	if d.obs == nil {
		return ctx, func(error) {}
	}
	return d.obs.TrackDispatch(ctx, name, attribute.String("point", point))
}
