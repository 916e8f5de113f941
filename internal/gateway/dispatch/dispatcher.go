// Package dispatch binds one selected credential to one upstream call and
// accounts for it.
//
// Every Dispatch that reaches its callback increments the selected credential's
// usage exactly once, durably, before the outcome is logged and before the
// result or error is handed back. A dispatch that cannot select a credential
// touches no usage counter.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-keypool/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-keypool/internal/gateway/scheduler"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/errs"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/logger"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// Pool supplies credential snapshots and takes optimistic usage updates.
type Pool interface {
	Snapshot(ctx context.Context) ([]models.Credential, error)
	RecordUse(id string, at time.Time)
}

// UsageStore is the durable, atomic usage counter.
type UsageStore interface {
	IncrementUsage(ctx context.Context, id string, usedAt time.Time) error
}

// CallLogger receives one outcome per dispatch.
type CallLogger interface {
	Append(ctx context.Context, outcome models.CallOutcome) error
}

// ClientFactory binds a provider client to a credential.
type ClientFactory interface {
	Bind(cred models.Credential) *providers.Client
}

// Call describes one inbound call.
type Call struct {
	Model  string
	Type   models.CallType
	Stream bool
}

// Func performs the upstream call with the bound client and reports usage.
// Usage is recorded even when an error is returned.
type Func func(ctx context.Context, client *providers.Client) (models.Usage, error)

// Result describes a dispatch that reached its callback.
type Result struct {
	CredentialID string
	Preview      string
	Latency      time.Duration
	Usage        models.Usage
}

type Config struct {
	// CallTimeout bounds non-streaming calls. Streaming calls rely on the
	// relay's per-chunk read timeout instead.
	CallTimeout time.Duration
	// AccountingTimeout bounds the usage increment and outcome write.
	AccountingTimeout time.Duration
}

type Dispatcher struct {
	pool    Pool
	store   UsageStore
	calls   CallLogger
	clients ClientFactory
	cfg     Config
	log     *zap.SugaredLogger
	now     func() time.Time
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.AccountingTimeout <= 0 {
		c.AccountingTimeout = 5 * time.Second
	}
	return c
}

// Budget is the longest a non-streaming dispatch can take: the call itself,
// then the usage increment and the outcome append, each bounded by
// AccountingTimeout.
func (c Config) Budget() time.Duration {
	c = c.withDefaults()
	return c.CallTimeout + 2*c.AccountingTimeout
}

func New(pool Pool, store UsageStore, calls CallLogger, clients ClientFactory, cfg Config, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		pool:    pool,
		store:   store,
		calls:   calls,
		clients: clients,
		cfg:     cfg.withDefaults(),
		log:     log,
		now:     time.Now,
	}
}

// Dispatch selects a credential, runs fn with a client bound to it, then
// records usage and the outcome. fn runs at most once.
//
// The returned error is the classified callback error when fn failed, an
// *errs.AccountingError when only the usage increment failed, or the selection
// error when fn never ran.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, fn Func) (Result, error) {
	log := logger.FromContext(ctx, d.log)

	snapshot, err := d.pool.Snapshot(ctx)
	if err != nil {
		if !scheduler.IsStale(err) {
			d.reject(ctx, call, err, "store_unavailable")
			return Result{}, err
		}
		log.Warnw("using stale credential pool", "error", err)
	}

	cred, err := scheduler.Select(snapshot)
	if err != nil {
		reason := "exhausted"
		if errors.Is(err, errs.ErrNoCredentialsConfigured) {
			reason = "not_configured"
		}
		d.reject(ctx, call, err, reason)
		return Result{}, err
	}

	client := d.clients.Bind(cred)
	res := Result{CredentialID: cred.ID, Preview: cred.Preview()}

	callCtx, cancel := d.callContext(ctx, call)
	defer cancel()

	metrics.InflightRequests.WithLabelValues(string(call.Type)).Inc()
	start := d.now()
	usage, callErr := fn(callCtx, client)
	res.Latency = d.now().Sub(start)
	res.Usage = usage
	metrics.InflightRequests.WithLabelValues(string(call.Type)).Dec()

	usedAt := d.now()
	acctErr := d.increment(ctx, cred.ID, usedAt)
	d.pool.RecordUse(cred.ID, usedAt)

	var gerr *errs.Error
	if callErr != nil {
		gerr = errs.FromUpstream(callErr, client.Secret())
	}
	status, errMsg := "ok", (*string)(nil)
	if gerr != nil {
		msg := gerr.Message
		status, errMsg = string(gerr.Kind), &msg
	}
	d.record(ctx, call, &cred.ID, res, status, errMsg)

	if gerr != nil {
		log.Warnw("upstream call failed",
			"credential_id", cred.ID,
			"model", call.Model,
			"call_type", call.Type,
			"kind", gerr.Kind,
			"status", gerr.StatusCode,
			"latency_ms", res.Latency.Milliseconds(),
			"error", errs.Scrub(callErr.Error(), client.Secret()),
		)
		return res, gerr
	}
	if acctErr != nil {
		return res, &errs.AccountingError{CredentialID: cred.ID, Err: acctErr}
	}
	return res, nil
}

// callContext keeps a non-streaming call running after the caller goes away so
// that its usage is still known when accounting runs.
func (d *Dispatcher) callContext(ctx context.Context, call Call) (context.Context, context.CancelFunc) {
	if call.Stream {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CallTimeout)
}

func (d *Dispatcher) increment(ctx context.Context, id string, usedAt time.Time) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.AccountingTimeout)
	defer cancel()

	err := d.store.IncrementUsage(ctx, id, usedAt)
	if err != nil {
		metrics.AccountingFailures.Inc()
		logger.FromContext(ctx, d.log).Errorw("usage increment failed, credential usage under-counted",
			"credential_id", id,
			"error", err,
		)
	}
	return err
}

func (d *Dispatcher) reject(ctx context.Context, call Call, err error, reason string) {
	metrics.NoCredentialAvailable.WithLabelValues(reason).Inc()
	logger.FromContext(ctx, d.log).Warnw("dispatch rejected before upstream call",
		"model", call.Model,
		"call_type", call.Type,
		"reason", reason,
		"error", err,
	)

	// the internal cause keeps exhaustion and empty configuration apart in the log
	msg := err.Error()
	d.record(ctx, call, nil, Result{}, string(errs.KindOf(err)), &msg)
}

func (d *Dispatcher) record(ctx context.Context, call Call, credentialID *string, res Result, status string, errMsg *string) {
	outcome := models.CallOutcome{
		CredentialID: credentialID,
		ModelName:    call.Model,
		CallType:     call.Type,
		Success:      errMsg == nil,
		LatencyMs:    res.Latency.Milliseconds(),
		InputUnits:   res.Usage.InputUnits,
		OutputUnits:  res.Usage.OutputUnits,
		ErrorMessage: errMsg,
		Timestamp:    d.now(),
	}

	metrics.RequestCount.WithLabelValues(call.Model, string(call.Type), status).Inc()
	if credentialID != nil {
		metrics.RequestDuration.WithLabelValues(call.Model, string(call.Type)).Observe(res.Latency.Seconds())
		metrics.InputUnits.WithLabelValues(call.Model, string(call.Type)).Add(float64(res.Usage.InputUnits))
		metrics.OutputUnits.WithLabelValues(call.Model, string(call.Type)).Add(float64(res.Usage.OutputUnits))
		metrics.CredentialDispatches.WithLabelValues(*credentialID).Inc()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.AccountingTimeout)
	defer cancel()
	if err := d.calls.Append(ctx, outcome); err != nil {
		logger.FromContext(ctx, d.log).Errorw("failed to append call outcome",
			"credential_id", credentialID,
			"model", call.Model,
			"call_type", call.Type,
			"error", err,
		)
	}
}
