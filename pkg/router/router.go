package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vx11/vx11/pkg/apierr"
	"github.com/vx11/vx11/pkg/backend"
	"github.com/vx11/vx11/pkg/clock"
	"github.com/vx11/vx11/pkg/events"
	"github.com/vx11/vx11/pkg/fallback"
	"github.com/vx11/vx11/pkg/log"
	"github.com/vx11/vx11/pkg/metrics"
	"github.com/vx11/vx11/pkg/policy"
	"github.com/vx11/vx11/pkg/results"
	"github.com/vx11/vx11/pkg/types"
)

// Caller is the part of backend.Client the router uses
type Caller interface {
	Target() types.Target
	Call(ctx context.Context, path string, payload any, opts backend.CallOptions) (*backend.Response, error)
}

// Config holds router settings
type Config struct {
	// RetryDelay is the pause before the single retry of a transient failure
	RetryDelay time.Duration
}

// Router turns intents into outcomes
type Router struct {
	config    Config
	evaluator *policy.Evaluator
	clients   map[types.Target]Caller
	local     *fallback.Executor
	results   results.Store
	publisher events.Publisher
	clock     clock.Clock
	logger    zerolog.Logger
}

// New creates a router. clients holds one Caller per remote target; madre
// is always served by local. publisher may be nil.
func New(config Config, evaluator *policy.Evaluator, clients []Caller, local *fallback.Executor, store results.Store, publisher events.Publisher, clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.Real()
	}
	byTarget := make(map[types.Target]Caller, len(clients))
	for _, c := range clients {
		byTarget[c.Target()] = c
	}
	return &Router{
		config:    config,
		evaluator: evaluator,
		clients:   byTarget,
		local:     local,
		results:   store,
		publisher: publisher,
		clock:     clk,
		logger:    log.WithComponent("router"),
	}
}

// Route classifies intent, checks policy, dispatches it and stores the
// outcome. Backend 4xx answers come back as an outcome with status error;
// every other failure is an *apierr.Error.
//
// The backend call is detached from ctx so a client disconnect never
// leaves its effect ambiguous; when ctx is done by the time the call
// returns, the outcome is discarded and ctx.Err() is returned.
func (r *Router) Route(ctx context.Context, intent *types.Intent) (*types.Outcome, error) {
	if err := intent.Validate(); err != nil {
		return nil, apierr.Validation(err.Error())
	}
	if intent.CorrelationID == "" {
		intent.CorrelationID = uuid.NewString()
	}
	if intent.Priority == "" {
		intent.Priority = types.PriorityNormal
	}
	cid := intent.CorrelationID
	logger := log.WithCorrelationID(r.logger, cid).With().Str("kind", string(intent.Kind)).Logger()

	route, ok := Lookup(intent.Kind)
	if !ok {
		return nil, apierr.Validationf("unknown intent kind %q", intent.Kind)
	}
	target, rejected, ok := route.selectTarget(intent.RequiredTargets())
	if !ok {
		return nil, apierr.Validationf("target %s cannot serve %s intents", rejected, intent.Kind)
	}

	decision, state := r.evaluator.Evaluate(target)
	logger.Info().
		Str("target", string(target)).
		Str("decision", string(decision)).
		Str("window_id", state.WindowID).
		Uint64("window_version", state.Version).
		Msg("intent routed")
	r.publish(events.EventIntentRouted, events.SeverityInfo, cid,
		fmt.Sprintf("%s intent routed to %s (%s)", intent.Kind, target, decision),
		map[string]any{
			"kind":          string(intent.Kind),
			"target":        string(target),
			"decision":      string(decision),
			"windowId":      state.WindowID,
			"windowVersion": state.Version,
		})

	var (
		outcome *types.Outcome
		err     error
	)
	switch {
	case target == types.TargetMadre:
		outcome, err = r.runLocal(intent)
	case !decision.Allowed():
		outcome, err = r.deny(intent, route, target, decision, logger)
	default:
		outcome, err = r.dispatch(ctx, intent, route, target, logger)
	}

	if ctx.Err() != nil {
		logger.Info().Msg("client went away, discarding outcome")
		return nil, ctx.Err()
	}
	if err != nil {
		r.complete(cid, intent.Kind, nil, err)
		return nil, err
	}

	outcome.CorrelationID = cid
	outcome.Kind = intent.Kind
	outcome.CompletedAt = r.clock.Now().UTC()
	if err := r.results.Put(context.WithoutCancel(ctx), outcome); err != nil {
		logger.Warn().Err(err).Msg("failed to store outcome")
	}
	r.complete(cid, intent.Kind, outcome, nil)
	return outcome, nil
}

// runLocal serves madre in process
func (r *Router) runLocal(intent *types.Intent) (*types.Outcome, error) {
	body, err := r.local.Execute(intent)
	if err != nil {
		return nil, apierr.Validation(err.Error())
	}
	return &types.Outcome{
		Status:   types.OutcomeDone,
		Mode:     types.ModeFor(types.TargetMadre),
		Provider: string(types.TargetMadre),
		Target:   types.TargetMadre,
		Response: body,
	}, nil
}

func (r *Router) deny(intent *types.Intent, route Route, target types.Target, decision policy.Decision, logger zerolog.Logger) (*types.Outcome, error) {
	denial := apierr.OffByPolicy(fmt.Sprintf("%s is not reachable in the current window", target))
	if decision == policy.DenyExpired {
		denial = apierr.WindowExpired(fmt.Sprintf("the window for %s has expired", target))
	}

	logger.Info().Str("target", string(target)).Str("error", string(denial.Kind)).Msg("intent denied by policy")
	r.publish(events.EventIntentDenied, events.SeverityInfo, intent.CorrelationID, denial.Detail,
		map[string]any{
			"target":   string(target),
			"error":    string(denial.Kind),
			"fallback": route.Fallback,
		})

	if !route.Fallback {
		return nil, denial
	}
	return r.degrade(intent, errorDocument(denial.Kind, denial.Detail, nil))
}

// degrade produces a fallback outcome carrying why the preferred target was not used
func (r *Router) degrade(intent *types.Intent, reason json.RawMessage) (*types.Outcome, error) {
	body, err := r.local.Execute(intent)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return &types.Outcome{
		Status:   types.OutcomeDone,
		Mode:     types.ModeFallback,
		Provider: fallback.Provider,
		Response: body,
		Error:    reason,
		Degraded: true,
	}, nil
}

func (r *Router) dispatch(ctx context.Context, intent *types.Intent, route Route, target types.Target, logger zerolog.Logger) (*types.Outcome, error) {
	client, ok := r.clients[target]
	if !ok {
		return r.upstreamFailed(intent, route, target, &backend.CallError{
			Target: target,
			Kind:   backend.FailureConnectionRefused,
			Err:    errors.New("no client configured"),
		}, logger)
	}

	callCtx := context.WithoutCancel(ctx)
	resp, err := r.call(callCtx, client, route, intent, 1)
	var callErr *backend.CallError
	if err != nil && errors.As(err, &callErr) && callErr.Transient() && route.Idempotent {
		logger.Warn().Err(err).Str("target", string(target)).Msg("transient upstream failure, retrying once")
		if r.config.RetryDelay > 0 {
			<-r.clock.After(r.config.RetryDelay)
		}
		resp, err = r.call(callCtx, client, route, intent, 2)
	}

	if err != nil {
		if !errors.As(err, &callErr) {
			return nil, apierr.Internal(err)
		}
		if callErr.Kind == backend.FailureClientStatus {
			logger.Info().Int("status", callErr.StatusCode).Str("target", string(target)).Msg("backend rejected intent")
			return &types.Outcome{
				Status:         types.OutcomeError,
				Mode:           types.ModeFor(target),
				Provider:       string(target),
				Target:         target,
				Error:          callErr.Body,
				UpstreamStatus: callErr.StatusCode,
			}, nil
		}
		return r.upstreamFailed(intent, route, target, callErr, logger)
	}

	outcome := &types.Outcome{
		Status:   types.OutcomeDone,
		Mode:     types.ModeFor(target),
		Provider: string(target),
		Target:   target,
		Response: resp.Body,
	}
	var reported struct {
		Status   types.OutcomeStatus `json:"status"`
		Provider string              `json:"provider"`
	}
	if json.Unmarshal(resp.Body, &reported) == nil {
		if reported.Status.Valid() {
			outcome.Status = reported.Status
		}
		if reported.Provider != "" {
			outcome.Provider = reported.Provider
		}
	}
	return outcome, nil
}

func (r *Router) call(ctx context.Context, client Caller, route Route, intent *types.Intent, attempt int) (*backend.Response, error) {
	target := client.Target()
	r.publish(events.EventIntentUpstreamRequest, events.SeverityDebug, intent.CorrelationID,
		fmt.Sprintf("POST %s on %s", route.Path, target),
		map[string]any{"target": string(target), "path": route.Path, "attempt": attempt})

	start := r.clock.Now()
	resp, err := client.Call(ctx, route.Path, intent, backend.CallOptions{CorrelationID: intent.CorrelationID})
	latency := r.clock.Now().Sub(start)

	payload := map[string]any{
		"target":    string(target),
		"attempt":   attempt,
		"latencyMs": latency.Milliseconds(),
	}
	severity := events.SeverityDebug
	summary := fmt.Sprintf("%s answered", target)
	var callErr *backend.CallError
	switch {
	case err == nil:
		payload["statusCode"] = resp.StatusCode
	case errors.As(err, &callErr):
		severity = events.SeverityWarn
		payload["failure"] = string(callErr.Kind)
		if callErr.StatusCode != 0 {
			payload["statusCode"] = callErr.StatusCode
		}
		summary = fmt.Sprintf("%s failed: %s", target, callErr.Kind)
	default:
		severity = events.SeverityWarn
		summary = fmt.Sprintf("%s failed", target)
	}
	r.publish(events.EventIntentUpstreamResponse, severity, intent.CorrelationID, summary, payload)
	return resp, err
}

func (r *Router) upstreamFailed(intent *types.Intent, route Route, target types.Target, callErr *backend.CallError, logger zerolog.Logger) (*types.Outcome, error) {
	var failure *apierr.Error
	detail := fmt.Sprintf("%s unavailable: %s", target, callErr.Kind)
	switch callErr.Kind {
	case backend.FailureTimeout:
		failure = apierr.UpstreamTimeout(detail, callErr)
	case backend.FailureServerStatus, backend.FailureMalformed:
		failure = apierr.UpstreamUnavailable(http.StatusBadGateway, detail, callErr)
	default:
		failure = apierr.UpstreamUnavailable(http.StatusServiceUnavailable, detail, callErr)
	}
	logger.Warn().Err(callErr).Str("target", string(target)).Bool("fallback", route.Fallback).Msg("upstream failed")

	if !route.Fallback {
		return nil, failure
	}
	return r.degrade(intent, errorDocument(failure.Kind, detail, callErr.Body))
}

func (r *Router) complete(cid string, kind types.IntentKind, outcome *types.Outcome, err error) {
	if err != nil {
		e := apierr.From(err)
		metrics.IntentsTotal.WithLabelValues(string(kind), "none", string(e.Kind)).Inc()
		r.publish(events.EventIntentCompleted, events.SeverityWarn, cid,
			fmt.Sprintf("%s intent failed: %s", kind, e.Kind),
			map[string]any{"kind": string(kind), "error": string(e.Kind), "statusCode": e.Status})
		return
	}
	metrics.IntentsTotal.WithLabelValues(string(kind), string(outcome.Mode), string(outcome.Status)).Inc()
	r.publish(events.EventIntentCompleted, events.SeverityInfo, cid,
		fmt.Sprintf("%s intent %s via %s", kind, outcome.Status, outcome.Mode),
		map[string]any{
			"kind":     string(kind),
			"status":   string(outcome.Status),
			"mode":     string(outcome.Mode),
			"provider": outcome.Provider,
			"degraded": outcome.Degraded,
		})
}

func (r *Router) publish(typ events.EventType, severity events.Severity, cid, summary string, payload map[string]any) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(&events.Event{
		Type:          typ,
		Severity:      severity,
		CorrelationID: cid,
		Summary:       summary,
		Payload:       payload,
	})
}

func errorDocument(kind apierr.Kind, detail string, upstream json.RawMessage) json.RawMessage {
	doc := map[string]any{"error": kind, "detail": detail}
	if len(upstream) > 0 {
		doc["upstream"] = upstream
	}
	out, _ := json.Marshal(doc)
	return out
}
