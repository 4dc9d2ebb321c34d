// Package pipeline turns a ledger entry-function call into a confirmed
// on-chain effect: build, sign, submit, poll, and only then commit local
// state through a caller supplied callback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	errs "didmovement/core/errors"
	"didmovement/crypto"
	"didmovement/ledger"
	"didmovement/observability"
	"didmovement/observability/logging"
	"didmovement/observability/otel"
)

// Pipeline states.
const (
	StatePending   = "pending"
	StateBuilt     = "built"
	StateSigned    = "signed"
	StateSubmitted = "submitted"
	StatePolling   = "polling"
	StateConfirmed = "confirmed"
	StateFailed    = "failed"
	StateTimedOut  = "timed_out"
)

const (
	eventBuild   = "build"
	eventSign    = "sign"
	eventSubmit  = "submit"
	eventPoll    = "poll"
	eventConfirm = "confirm"
	eventFail    = "fail"
	eventTimeout = "timeout"
)

// Signer is the sending account.
type Signer interface {
	Address() crypto.Address
	Sign(msg []byte) (publicKey, signature []byte, err error)
}

// Receipt identifies a confirmed transaction.
type Receipt struct {
	Hash    string `json:"hash"`
	Version uint64 `json:"version"`
}

// CommitFunc persists the local effect of a confirmed transaction.
type CommitFunc func(ctx context.Context, receipt Receipt) error

// Runner executes one ledger write end to end.
type Runner interface {
	Run(ctx context.Context, signer Signer, payload ledger.EntryFunction, commit CommitFunc) (Receipt, error)
}

// Options bound a pipeline run.
type Options struct {
	MaxGas            uint64
	GasUnitPrice      uint64
	ExpirationHorizon time.Duration
	PollAttempts      int
	PollInterval      time.Duration
	// ChainID 0 means ask the ledger once and cache the answer.
	ChainID uint8
}

// DefaultOptions returns the production bounds.
func DefaultOptions() Options {
	return Options{
		MaxGas:            200000,
		GasUnitPrice:      100,
		ExpirationHorizon: 600 * time.Second,
		PollAttempts:      10,
		PollInterval:      time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxGas == 0 {
		o.MaxGas = def.MaxGas
	}
	if o.GasUnitPrice == 0 {
		o.GasUnitPrice = def.GasUnitPrice
	}
	if o.ExpirationHorizon <= 0 {
		o.ExpirationHorizon = def.ExpirationHorizon
	}
	if o.PollAttempts <= 0 {
		o.PollAttempts = def.PollAttempts
	}
	if o.PollInterval < 0 {
		o.PollInterval = def.PollInterval
	}
	return o
}

// Pipeline is the ledger-backed Runner.
type Pipeline struct {
	client  ledger.Client
	opts    Options
	logger  *slog.Logger
	metrics *observability.PipelineMetrics
	tracer  trace.Tracer
	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error

	// chainID caches the ledger's chain id; 0 means not yet known.
	chainID    atomic.Uint32
	chainGroup singleflight.Group
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithOptions(opts Options) Option {
	return func(p *Pipeline) { p.opts = opts }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithClock replaces time.Now for expiration timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.nowFn = now
		}
	}
}

// WithSleep replaces the wait between poll attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) {
		if sleep != nil {
			p.sleepFn = sleep
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// New builds a Pipeline submitting through client.
func New(client ledger.Client, opts ...Option) *Pipeline {
	p := &Pipeline{
		client:  client,
		opts:    DefaultOptions(),
		metrics: observability.Pipeline(),
		tracer:  otel.Tracer(),
		nowFn:   time.Now,
		sleepFn: sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.opts = p.opts.withDefaults()
	p.chainID.Store(uint32(p.opts.ChainID))
	p.logger = logging.OrDefault(p.logger).With("component", "pipeline")
	return p
}

// job is one in-flight transaction.
type job struct {
	machine *fsm.FSM
	signer  Signer
	payload ledger.EntryFunction
	hash    string
	polls   int
}

func (p *Pipeline) newJob(signer Signer, payload ledger.EntryFunction) *job {
	j := &job{signer: signer, payload: payload}
	logger := p.logger.With("address", signer.Address().String(), "function", payload.ID())
	j.machine = fsm.NewFSM(
		StatePending,
		fsm.Events{
			{Name: eventBuild, Src: []string{StatePending}, Dst: StateBuilt},
			{Name: eventSign, Src: []string{StateBuilt}, Dst: StateSigned},
			{Name: eventSubmit, Src: []string{StateSigned}, Dst: StateSubmitted},
			{Name: eventPoll, Src: []string{StateSubmitted}, Dst: StatePolling},
			{Name: eventConfirm, Src: []string{StatePolling}, Dst: StateConfirmed},
			{Name: eventTimeout, Src: []string{StatePolling}, Dst: StateTimedOut},
			{
				Name: eventFail,
				Src:  []string{StatePending, StateBuilt, StateSigned, StateSubmitted, StatePolling},
				Dst:  StateFailed,
			},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				logger.Debug("pipeline transition", "from", e.Src, "state", e.Dst, "hash", j.hash)
				p.metrics.Transition(e.Dst)
				trace.SpanFromContext(ctx).AddEvent(e.Dst)
			},
		},
	)
	return j
}

// advance fires event. Transitions ignore cancellation so a cancelled run
// still lands in a terminal state.
func (j *job) advance(ctx context.Context, event string) error {
	if err := j.machine.Event(context.WithoutCancel(ctx), event); err != nil {
		return fmt.Errorf("pipeline: %s from %s: %w", event, j.machine.Current(), err)
	}
	return nil
}

// fail moves the job to its terminal error state and returns err.
func (j *job) fail(ctx context.Context, event string, err error) error {
	if transitionErr := j.machine.Event(context.WithoutCancel(ctx), event); transitionErr != nil {
		return errors.Join(err, transitionErr)
	}
	return err
}

// Run executes payload as signer. commit runs only after the ledger reports
// the transaction as successfully executed; for every other outcome no local
// state is written and the outcome is returned as the error.
func (p *Pipeline) Run(ctx context.Context, signer Signer, payload ledger.EntryFunction, commit CommitFunc) (Receipt, error) {
	started := p.nowFn()
	j := p.newJob(signer, payload)
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("did.function", payload.ID()),
		attribute.String("did.sender", signer.Address().String()),
	))
	defer span.End()

	p.metrics.Started()
	receipt, err := p.run(ctx, j, commit)
	p.metrics.Finished(payload.ID(), j.machine.Current(), j.polls, p.nowFn().Sub(started))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errs.KindName(err))
		return receipt, err
	}
	span.SetAttributes(attribute.String("did.hash", receipt.Hash), attribute.Int64("did.version", int64(receipt.Version)))
	return receipt, nil
}

func (p *Pipeline) run(ctx context.Context, j *job, commit CommitFunc) (Receipt, error) {
	raw, err := p.build(ctx, j)
	if err != nil {
		return Receipt{}, j.fail(ctx, eventFail, err)
	}
	if err := j.advance(ctx, eventBuild); err != nil {
		return Receipt{}, err
	}

	signed, err := raw.Sign(j.signer.Sign)
	if err != nil {
		return Receipt{}, j.fail(ctx, eventFail, errs.Wrap(errs.ErrSigningError, "pipeline.sign", err))
	}
	j.hash = signed.Hash()
	if err := j.advance(ctx, eventSign); err != nil {
		return Receipt{}, err
	}

	pending, err := p.client.SubmitTransaction(ctx, signed)
	if err != nil {
		return Receipt{}, j.fail(ctx, eventFail, submissionError(err))
	}
	if pending.Hash != "" {
		j.hash = pending.Hash
	}
	if err := j.advance(ctx, eventSubmit); err != nil {
		return Receipt{}, err
	}
	p.logger.Info("transaction submitted",
		"address", j.signer.Address().String(),
		"function", j.payload.ID(),
		"hash", j.hash,
		"sequence_number", raw.SequenceNumber)

	if err := j.advance(ctx, eventPoll); err != nil {
		return Receipt{}, err
	}
	receipt, err := p.poll(ctx, j)
	if err != nil {
		return Receipt{}, err
	}

	if commit != nil {
		if err := commit(ctx, receipt); err != nil {
			p.logger.Error("commit after confirmation failed",
				"address", j.signer.Address().String(),
				"function", j.payload.ID(),
				"hash", receipt.Hash,
				"version", receipt.Version,
				"error", err)
			return receipt, err
		}
	}
	return receipt, nil
}

func (p *Pipeline) build(ctx context.Context, j *job) (*ledger.RawTransaction, error) {
	const op = "pipeline.build"
	chainID, err := p.resolveChainID(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.ErrSubmissionFailed, op, fmt.Errorf("chain id: %w", err))
	}
	seq, err := p.client.SequenceNumber(ctx, j.signer.Address())
	if err != nil {
		return nil, errs.Wrap(errs.ErrSubmissionFailed, op, fmt.Errorf("sequence number: %w", err))
	}
	return &ledger.RawTransaction{
		Sender:                  j.signer.Address(),
		SequenceNumber:          seq,
		Payload:                 j.payload,
		MaxGasAmount:            p.opts.MaxGas,
		GasUnitPrice:            p.opts.GasUnitPrice,
		ExpirationTimestampSecs: uint64(p.nowFn().Add(p.opts.ExpirationHorizon).Unix()),
		ChainID:                 chainID,
	}, nil
}

func (p *Pipeline) poll(ctx context.Context, j *job) (Receipt, error) {
	const op = "pipeline.poll"
	for attempt := 1; attempt <= p.opts.PollAttempts; attempt++ {
		if err := p.sleepFn(ctx, p.opts.PollInterval); err != nil {
			return Receipt{}, j.fail(ctx, eventTimeout, errs.Wrap(errs.ErrTimedOut, op, err))
		}
		j.polls = attempt
		txn, err := p.client.TransactionByHash(ctx, j.hash)
		if err != nil {
			if !errors.Is(err, ledger.ErrTransactionNotFound) {
				p.logger.Warn("poll failed", "hash", j.hash, "attempt", attempt, "error", err)
			}
			continue
		}
		if !txn.Executed() {
			continue
		}
		if !txn.Confirmed() {
			return Receipt{}, j.fail(ctx, eventFail,
				errs.E(errs.ErrFailed, op, "transaction %s: %s", j.hash, txn.VMStatus))
		}
		if err := j.advance(ctx, eventConfirm); err != nil {
			return Receipt{}, err
		}
		hash := txn.Hash
		if hash == "" {
			hash = j.hash
		}
		return Receipt{Hash: hash, Version: txn.Version}, nil
	}
	return Receipt{}, j.fail(ctx, eventTimeout,
		errs.E(errs.ErrTimedOut, op, "transaction %s not confirmed after %d attempts", j.hash, p.opts.PollAttempts))
}

// chainLookupTimeout bounds the shared chain id request, which outlives the
// caller that started it.
const chainLookupTimeout = 30 * time.Second

// resolveChainID returns the cached chain id or asks the ledger once for all
// concurrent callers. No lock is held while the request is in flight, and each
// caller stops waiting when its own context ends.
func (p *Pipeline) resolveChainID(ctx context.Context) (uint8, error) {
	if id := p.chainID.Load(); id != 0 {
		return uint8(id), nil
	}
	result := p.chainGroup.DoChan("chain_id", func() (any, error) {
		if id := p.chainID.Load(); id != 0 {
			return uint8(id), nil
		}
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), chainLookupTimeout)
		defer cancel()
		id, err := p.client.ChainID(lookupCtx)
		if err != nil {
			return uint8(0), err
		}
		p.chainID.Store(uint32(id))
		return id, nil
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(uint8), nil
	}
}

func submissionError(err error) error {
	const op = "pipeline.submit"
	var apiErr *ledger.APIError
	if errors.As(err, &apiErr) {
		return &errs.Error{Kind: errs.ErrSubmissionFailed, Op: op, Detail: fmt.Sprintf("status %d: %s", apiErr.Status, apiErr.Body), Err: err}
	}
	return errs.Wrap(errs.ErrSubmissionFailed, op, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
