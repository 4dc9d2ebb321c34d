package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	errs "didmovement/core/errors"
	"didmovement/crypto"
	"didmovement/services/didmovement/registry"
)

var solverAddr = crypto.MustParseAddress("0xa11ce")

type fakeBoard struct {
	mu        sync.Mutex
	tasks     map[string]Task
	taskErr   error
	submitErr error
	submitted []Submission
	gate      chan struct{}
	fetches   atomic.Int32
}

func (b *fakeBoard) Task(ctx context.Context, id string) (*Task, error) {
	b.fetches.Add(1)
	if b.gate != nil {
		<-b.gate
	}
	if b.taskErr != nil {
		return nil, b.taskErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &task, nil
}

func (b *fakeBoard) SubmitSolution(ctx context.Context, sub Submission) error {
	if b.submitErr != nil {
		return b.submitErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, sub)
	task := b.tasks[sub.UniqueID]
	task.Solution = sub.Solution
	task.Solver = sub.Solver
	b.tasks[sub.UniqueID] = task
	return nil
}

type fakeGenerator struct {
	out   string
	err   error
	calls atomic.Int32
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.calls.Add(1)
	if g.err != nil {
		return "", g.err
	}
	return g.out + ":" + prompt, nil
}

func (g *fakeGenerator) SolverType() string { return "test" }

type fakeServices map[string][]string

func (f fakeServices) ListServices(ctx context.Context, addr crypto.Address) (registry.ServiceList, error) {
	list := registry.ServiceList{Address: addr.String(), Services: []registry.ServiceDescriptor{}}
	for _, name := range f[addr.String()] {
		list.Services = append(list.Services, registry.ServiceDescriptor{Name: name})
	}
	return list, nil
}

type fakeRecords struct {
	mu       sync.Mutex
	payloads []string
	err      error
}

func (r *fakeRecords) InsertRecord(ctx context.Context, addr crypto.Address, payload string) (uint64, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return uint64(len(r.payloads) - 1), nil
}

type solverFixture struct {
	board   *fakeBoard
	gen     *fakeGenerator
	records *fakeRecords
	solver  *Solver
}

func newSolverFixture() *solverFixture {
	f := &solverFixture{
		board: &fakeBoard{tasks: map[string]Task{
			"t-1":    {UniqueID: "t-1", Prompt: "summarise"},
			"solved": {UniqueID: "solved", Prompt: "old", Solution: "done", Solver: "0xb0b"},
		}},
		gen:     &fakeGenerator{out: "answer"},
		records: &fakeRecords{},
	}
	services := fakeServices{solverAddr.String(): {"corr.ai"}}
	f.solver = NewSolver(f.board, f.gen, services, f.records, nil)
	return f
}

func TestSolveTaskSubmitsAndRecords(t *testing.T) {
	f := newSolverFixture()

	result, err := f.solver.SolveTask(context.Background(), solverAddr, "corr.ai", "t-1")
	require.NoError(t, err)
	require.Equal(t, "answer:summarise", result.Solution)
	require.Equal(t, "test", result.SolverType)
	require.NotNil(t, result.RecordIndex)
	require.Equal(t, uint64(0), *result.RecordIndex)

	require.Len(t, f.board.submitted, 1)
	require.Equal(t, Submission{
		UniqueID:   "t-1",
		Solution:   "answer:summarise",
		Solver:     solverAddr.String(),
		SolverType: []string{"test"},
	}, f.board.submitted[0])

	var logged solutionRecord
	require.NoError(t, json.Unmarshal([]byte(f.records.payloads[0]), &logged))
	require.Equal(t, "task_solution", logged.Kind)
	require.Equal(t, "t-1", logged.TaskID)
	require.Equal(t, "corr.ai", logged.Service)

	_, err = f.solver.SolveTask(context.Background(), solverAddr, "corr.ai", "t-1")
	require.ErrorIs(t, err, errs.ErrTaskSolved)
	require.Len(t, f.board.submitted, 1)
}

func TestSolveTaskRejections(t *testing.T) {
	cases := []struct {
		name    string
		service string
		taskID  string
		kind    string
	}{
		{"missing task id", "corr.ai", " ", "InvalidArgument"},
		{"unregistered service", "image gen", "t-1", "ServiceNotFound"},
		{"unknown task", "corr.ai", "nope", "TaskNotFound"},
		{"already solved", "corr.ai", "solved", "TaskAlreadySolved"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newSolverFixture()
			_, err := f.solver.SolveTask(context.Background(), solverAddr, tc.service, tc.taskID)
			require.Error(t, err)
			require.Equal(t, tc.kind, errs.KindName(err))
			require.Zero(t, f.gen.calls.Load())
			require.Empty(t, f.board.submitted)
		})
	}
}

func TestSolveTaskUpstreamFailures(t *testing.T) {
	f := newSolverFixture()
	f.board.taskErr = &APIError{Status: 500, Body: "down"}
	_, err := f.solver.SolveTask(context.Background(), solverAddr, "corr.ai", "t-1")
	require.ErrorIs(t, err, errs.ErrUpstream)

	f = newSolverFixture()
	f.gen.err = errors.New("model overloaded")
	_, err = f.solver.SolveTask(context.Background(), solverAddr, "corr.ai", "t-1")
	require.ErrorIs(t, err, errs.ErrUpstream)
	require.Empty(t, f.board.submitted)

	f = newSolverFixture()
	f.gen.err = context.DeadlineExceeded
	_, err = f.solver.SolveTask(context.Background(), solverAddr, "corr.ai", "t-1")
	require.Equal(t, "TimedOut", errs.KindName(err))

	f = newSolverFixture()
	f.board.submitErr = &APIError{Status: 502, Body: "bad gateway"}
	_, err = f.solver.SolveTask(context.Background(), solverAddr, "corr.ai", "t-1")
	require.ErrorIs(t, err, errs.ErrUpstream)
	require.Empty(t, f.records.payloads)
}

func TestSolveTaskRecordFailureKeepsResult(t *testing.T) {
	f := newSolverFixture()
	f.records.err = errs.E(errs.ErrStoreUnavailable, "records.insert", "closed")

	result, err := f.solver.SolveTask(context.Background(), solverAddr, "corr.ai", "t-1")
	require.NoError(t, err)
	require.Nil(t, result.RecordIndex)
	require.Len(t, f.board.submitted, 1)
}

func TestConcurrentCallbacksShareOneRun(t *testing.T) {
	f := newSolverFixture()
	f.board.gate = make(chan struct{})

	const callers = 4
	var wg sync.WaitGroup
	results := make([]Result, callers)
	failures := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], failures[i] = f.solver.SolveTask(context.Background(), solverAddr, "corr.ai", "t-1")
		}(i)
	}
	require.Eventually(t, func() bool { return f.board.fetches.Load() == 1 }, time.Second, time.Millisecond)
	// Let the callers that have not yet joined the flight reach it.
	time.Sleep(20 * time.Millisecond)
	close(f.board.gate)
	wg.Wait()

	submissions := len(f.board.submitted)
	require.Equal(t, 1, submissions)
	for i := range results {
		if failures[i] != nil {
			require.ErrorIs(t, failures[i], errs.ErrTaskSolved)
			continue
		}
		require.Equal(t, "answer:summarise", results[i].Solution)
	}
}
