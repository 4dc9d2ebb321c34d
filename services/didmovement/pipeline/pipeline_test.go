package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	errs "didmovement/core/errors"
	"didmovement/crypto"
	"didmovement/ledger"
)

type fakeLedger struct {
	mu          sync.Mutex
	chainID     uint8
	chainCalls  int
	seq         uint64
	seqErr      error
	submitErr   error
	submitted   []*ledger.SignedTransaction
	polls       int
	pollResults []pollResult
}

type pollResult struct {
	txn *ledger.Transaction
	err error
}

func (f *fakeLedger) ChainID(context.Context) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chainCalls++
	return f.chainID, nil
}

func (f *fakeLedger) SequenceNumber(context.Context, crypto.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq, f.seqErr
}

func (f *fakeLedger) SubmitTransaction(_ context.Context, txn *ledger.SignedTransaction) (*ledger.PendingTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, txn)
	return &ledger.PendingTransaction{Hash: txn.Hash()}, nil
}

// TransactionByHash replays pollResults in order and repeats the last one.
func (f *fakeLedger) TransactionByHash(_ context.Context, hash string) (*ledger.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.pollResults) == 0 {
		return nil, ledger.ErrTransactionNotFound
	}
	idx := f.polls - 1
	if idx >= len(f.pollResults) {
		idx = len(f.pollResults) - 1
	}
	res := f.pollResults[idx]
	if res.txn != nil {
		txn := *res.txn
		txn.Hash = hash
		return &txn, res.err
	}
	return nil, res.err
}

func (f *fakeLedger) CoinBalance(context.Context, crypto.Address) (*ledger.Balance, error) {
	return nil, errors.New("not used")
}

type keySigner struct {
	key *crypto.PrivateKey
	err error
}

func newKeySigner(t *testing.T) *keySigner {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return &keySigner{key: key}
}

func (s *keySigner) Address() crypto.Address { return s.key.PubKey().Address() }

func (s *keySigner) Sign(msg []byte) ([]byte, []byte, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.key.PubKey().Bytes(), s.key.Sign(msg), nil
}

var testNow = time.Unix(1_700_000_000, 0)

func newTestPipeline(client ledger.Client, sleeps *int) *Pipeline {
	return New(client,
		WithClock(func() time.Time { return testNow }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			if sleeps != nil {
				*sleeps++
			}
			return ctx.Err()
		}),
	)
}

func testPayload(t *testing.T) ledger.EntryFunction {
	t.Helper()
	fn, err := ledger.NewEntryFunction("0x1::init::init", ledger.U8Arg(2), ledger.StringArg("agent"))
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	return fn
}

func confirmed(version uint64) pollResult {
	return pollResult{txn: &ledger.Transaction{Type: ledger.TypeUserTransaction, Success: true, Version: version}}
}

func TestRunConfirmsOnFirstPoll(t *testing.T) {
	client := &fakeLedger{chainID: 250, seq: 7, pollResults: []pollResult{confirmed(42)}}
	var sleeps int
	p := newTestPipeline(client, &sleeps)
	signer := newKeySigner(t)

	var commits []Receipt
	receipt, err := p.Run(context.Background(), signer, testPayload(t), func(_ context.Context, r Receipt) error {
		commits = append(commits, r)
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if receipt.Version != 42 || receipt.Hash == "" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if len(commits) != 1 || commits[0] != receipt {
		t.Fatalf("expected one commit with the receipt, got %+v", commits)
	}
	if client.polls != 1 || sleeps != 1 {
		t.Fatalf("expected one poll after one interval, got polls=%d sleeps=%d", client.polls, sleeps)
	}

	raw := client.submitted[0].Raw
	if raw.Sender != signer.Address() || raw.SequenceNumber != 7 || raw.ChainID != 250 {
		t.Fatalf("unexpected envelope %+v", raw)
	}
	if raw.MaxGasAmount != 200000 || raw.GasUnitPrice != 100 {
		t.Fatalf("unexpected gas settings %d/%d", raw.MaxGasAmount, raw.GasUnitPrice)
	}
	if raw.ExpirationTimestampSecs != uint64(testNow.Add(600*time.Second).Unix()) {
		t.Fatalf("unexpected expiration %d", raw.ExpirationTimestampSecs)
	}
	if !signer.key.PubKey().Verify(raw.SigningMessage(), client.submitted[0].Signature) {
		t.Fatalf("submitted signature does not verify")
	}

	if _, err := p.Run(context.Background(), signer, testPayload(t), nil); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if client.chainCalls != 1 {
		t.Fatalf("expected chain id to be cached, fetched %d times", client.chainCalls)
	}
}

func TestRunWaitsThroughPendingAndUnknown(t *testing.T) {
	client := &fakeLedger{chainID: 4, pollResults: []pollResult{
		{err: ledger.ErrTransactionNotFound},
		{err: errors.New("connection reset")},
		{txn: &ledger.Transaction{Type: ledger.TypePendingTransaction}},
		confirmed(9),
	}}
	p := newTestPipeline(client, nil)
	committed := false
	receipt, err := p.Run(context.Background(), newKeySigner(t), testPayload(t), func(context.Context, Receipt) error {
		committed = true
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !committed || receipt.Version != 9 || client.polls != 4 {
		t.Fatalf("unexpected outcome committed=%v receipt=%+v polls=%d", committed, receipt, client.polls)
	}
}

func TestRunFailedTransactionDoesNotCommit(t *testing.T) {
	client := &fakeLedger{chainID: 4, pollResults: []pollResult{
		{txn: &ledger.Transaction{Type: ledger.TypeUserTransaction, Success: false, VMStatus: "Move abort: EALREADY_EXISTS"}},
	}}
	p := newTestPipeline(client, nil)
	_, err := p.Run(context.Background(), newKeySigner(t), testPayload(t), func(context.Context, Receipt) error {
		t.Fatalf("commit must not run for a failed transaction")
		return nil
	})
	if !errors.Is(err, errs.ErrFailed) {
		t.Fatalf("expected Failed, got %v", err)
	}
	if errs.KindName(err) != "Failed" {
		t.Fatalf("unexpected kind %s", errs.KindName(err))
	}
}

func TestRunTimesOutAfterBoundedPolls(t *testing.T) {
	client := &fakeLedger{chainID: 4}
	var sleeps int
	p := newTestPipeline(client, &sleeps)
	_, err := p.Run(context.Background(), newKeySigner(t), testPayload(t), func(context.Context, Receipt) error {
		t.Fatalf("commit must not run for a timed out transaction")
		return nil
	})
	if !errors.Is(err, errs.ErrTimedOut) {
		t.Fatalf("expected TimedOut, got %v", err)
	}
	if client.polls != 10 || sleeps != 10 {
		t.Fatalf("expected 10 polls, got polls=%d sleeps=%d", client.polls, sleeps)
	}
}

func TestRunSubmissionRejected(t *testing.T) {
	client := &fakeLedger{chainID: 4, submitErr: &ledger.APIError{Status: 400, Body: `{"message":"SEQUENCE_NUMBER_TOO_OLD"}`}}
	p := newTestPipeline(client, nil)
	_, err := p.Run(context.Background(), newKeySigner(t), testPayload(t), nil)
	if !errors.Is(err, errs.ErrSubmissionFailed) {
		t.Fatalf("expected SubmissionFailed, got %v", err)
	}
	var apiErr *ledger.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected the ledger error body to stay attached")
	}
	if client.polls != 0 {
		t.Fatalf("rejected submissions must not be polled")
	}
}

func TestRunSequenceNumberUnavailable(t *testing.T) {
	client := &fakeLedger{chainID: 4, seqErr: &ledger.APIError{Status: 404, ErrorCode: "account_not_found"}}
	p := newTestPipeline(client, nil)
	_, err := p.Run(context.Background(), newKeySigner(t), testPayload(t), nil)
	if !errors.Is(err, errs.ErrSubmissionFailed) {
		t.Fatalf("expected SubmissionFailed, got %v", err)
	}
	if len(client.submitted) != 0 {
		t.Fatalf("nothing may be submitted without a sequence number")
	}
}

func TestRunSigningError(t *testing.T) {
	client := &fakeLedger{chainID: 4}
	signer := newKeySigner(t)
	signer.err = errors.New("malformed key")
	p := newTestPipeline(client, nil)
	_, err := p.Run(context.Background(), signer, testPayload(t), nil)
	if !errors.Is(err, errs.ErrSigningError) {
		t.Fatalf("expected SigningError, got %v", err)
	}
	if len(client.submitted) != 0 {
		t.Fatalf("unsigned transactions must not be submitted")
	}
}

func TestRunCommitErrorIsReturned(t *testing.T) {
	client := &fakeLedger{chainID: 4, pollResults: []pollResult{confirmed(1)}}
	p := newTestPipeline(client, nil)
	commitErr := errs.E(errs.ErrStoreUnavailable, "test", "disk full")
	receipt, err := p.Run(context.Background(), newKeySigner(t), testPayload(t), func(context.Context, Receipt) error {
		return commitErr
	})
	if !errors.Is(err, errs.ErrStoreUnavailable) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if receipt.Version != 1 {
		t.Fatalf("receipt of the confirmed transaction should still be returned")
	}
}

func TestRunCancelledWhilePolling(t *testing.T) {
	client := &fakeLedger{chainID: 4}
	ctx, cancel := context.WithCancel(context.Background())
	p := New(client, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	_, err := p.Run(ctx, newKeySigner(t), testPayload(t), nil)
	if !errors.Is(err, errs.ErrTimedOut) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected TimedOut caused by cancellation, got %v", err)
	}
}

// gatedChainLedger holds every ChainID call until release is closed.
type gatedChainLedger struct {
	*fakeLedger
	release chan struct{}
	entered chan struct{}
}

func (g *gatedChainLedger) ChainID(ctx context.Context) (uint8, error) {
	g.fakeLedger.mu.Lock()
	g.fakeLedger.chainCalls++
	g.fakeLedger.mu.Unlock()
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return g.fakeLedger.chainID, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestChainIDLookupDoesNotSerialiseSenders(t *testing.T) {
	client := &gatedChainLedger{
		fakeLedger: &fakeLedger{chainID: 4, pollResults: []pollResult{confirmed(9)}},
		release:    make(chan struct{}),
		entered:    make(chan struct{}, 16),
	}
	p := newTestPipeline(client, nil)

	first := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), newKeySigner(t), testPayload(t), nil)
		first <- err
	}()
	select {
	case <-client.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("chain id lookup never started")
	}

	// A second sender must be able to give up while the lookup is in flight.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx, newKeySigner(t), testPayload(t), nil)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected the caller's deadline, got %v", err)
		}
	case <-time.After(2 * time.Second):
		close(client.release)
		t.Fatalf("second sender waited behind the first sender's lookup")
	}

	close(client.release)
	if err := <-first; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if client.chainCalls != 1 {
		t.Fatalf("expected one shared lookup, got %d", client.chainCalls)
	}

	// Cached from now on.
	if _, err := p.Run(context.Background(), newKeySigner(t), testPayload(t), nil); err != nil {
		t.Fatalf("cached run: %v", err)
	}
	if client.chainCalls != 1 {
		t.Fatalf("chain id should be cached, got %d lookups", client.chainCalls)
	}
}

func TestJobStateMachine(t *testing.T) {
	p := newTestPipeline(&fakeLedger{}, nil)
	j := p.newJob(newKeySigner(t), testPayload(t))
	ctx := context.Background()
	for _, event := range []string{eventBuild, eventSign, eventSubmit, eventPoll, eventConfirm} {
		if err := j.advance(ctx, event); err != nil {
			t.Fatalf("advance %s: %v", event, err)
		}
	}
	if j.machine.Current() != StateConfirmed {
		t.Fatalf("unexpected state %s", j.machine.Current())
	}
	if err := j.advance(ctx, eventFail); err == nil {
		t.Fatalf("confirmed is terminal")
	}

	j = p.newJob(newKeySigner(t), testPayload(t))
	if err := j.advance(ctx, eventPoll); err == nil {
		t.Fatalf("polling before submission must be rejected")
	}
}

func TestOfflineCommitsWithoutLedger(t *testing.T) {
	runner := NewOffline(nil)
	called := false
	receipt, err := runner.Run(context.Background(), newKeySigner(t), testPayload(t), func(_ context.Context, r Receipt) error {
		called = true
		if r != (Receipt{}) {
			t.Fatalf("offline receipts are empty, got %+v", r)
		}
		return nil
	})
	if err != nil || !called || receipt != (Receipt{}) {
		t.Fatalf("unexpected offline outcome err=%v called=%v receipt=%+v", err, called, receipt)
	}
}
