// Package tasks answers the callbacks advertised by registered services: it
// fetches the task from the task board, generates a solution and submits it
// on behalf of the service's address.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	errs "didmovement/core/errors"
	"didmovement/crypto"
	"didmovement/observability/otel"
	"didmovement/services/didmovement/registry"
)

// Services lists the services registered under an address.
type Services interface {
	ListServices(ctx context.Context, addr crypto.Address) (registry.ServiceList, error)
}

// Recorder appends to the record log of an address.
type Recorder interface {
	InsertRecord(ctx context.Context, addr crypto.Address, payload string) (uint64, error)
}

// Result is the outcome of a solved task.
type Result struct {
	TaskID     string `json:"task_id"`
	Address    string `json:"address"`
	Service    string `json:"service"`
	Solution   string `json:"solution"`
	SolverType string `json:"solver_type"`
	// RecordIndex is nil when the solution was submitted but could not be
	// appended to the record log.
	RecordIndex *uint64 `json:"record_index,omitempty"`
}

// solutionRecord is the record log payload written for every submission.
type solutionRecord struct {
	Kind       string `json:"kind"`
	TaskID     string `json:"task_id"`
	Service    string `json:"service"`
	SolverType string `json:"solver_type"`
	Solution   string `json:"solution"`
}

// Solver runs the callback flow for registered services.
type Solver struct {
	board    Board
	gen      Generator
	services Services
	records  Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
	inflight singleflight.Group
}

// NewSolver wires the board, the generator and the local registries. records
// may be nil, in which case solutions are not logged.
func NewSolver(board Board, gen Generator, services Services, records Recorder, logger *slog.Logger) *Solver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Solver{
		board:    board,
		gen:      gen,
		services: services,
		records:  records,
		logger:   logger.With("component", "tasks"),
		tracer:   otel.Tracer(),
	}
}

// SolveTask solves taskID for the service name registered under addr.
// Concurrent callbacks for the same task share one run, so a task is never
// submitted twice by this process.
func (s *Solver) SolveTask(ctx context.Context, addr crypto.Address, name, taskID string) (Result, error) {
	const op = "tasks.solve"
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Result{}, errs.E(errs.ErrInvalidArgument, op, "task_id is required")
	}
	if strings.TrimSpace(name) == "" {
		return Result{}, errs.E(errs.ErrInvalidArgument, op, "service name is required")
	}

	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("did.address", addr.String()),
		attribute.String("did.service", name),
		attribute.String("task.id", taskID),
	))
	defer span.End()

	v, err, _ := s.inflight.Do(addr.String()+"/"+name+"/"+taskID, func() (any, error) {
		return s.solve(ctx, addr, name, taskID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errs.KindName(err))
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Solver) solve(ctx context.Context, addr crypto.Address, name, taskID string) (Result, error) {
	const op = "tasks.solve"
	list, err := s.services.ListServices(ctx, addr)
	if err != nil {
		return Result{}, err
	}
	if !hasService(list, name) {
		return Result{}, errs.E(errs.ErrServiceNotFound, op, "%s has no service %q", addr, name)
	}

	task, err := s.board.Task(ctx, taskID)
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return Result{}, errs.Wrap(errs.ErrTaskNotFound, op, err)
	case err != nil:
		return Result{}, upstream(op, "fetch task", err)
	}
	if task.Solved() {
		return Result{}, errs.E(errs.ErrTaskSolved, op, "task %s was solved by %s", taskID, task.Solver)
	}

	solution, err := s.gen.Generate(ctx, task.Prompt)
	if err != nil {
		return Result{}, upstream(op, "generate solution", err)
	}
	solverType := s.gen.SolverType()
	uniqueID := firstNonEmpty(task.UniqueID, taskID)
	if err := s.board.SubmitSolution(ctx, Submission{
		UniqueID:   uniqueID,
		Solution:   solution,
		Solver:     addr.String(),
		SolverType: []string{solverType},
	}); err != nil {
		return Result{}, upstream(op, "submit solution", err)
	}

	result := Result{
		TaskID:     uniqueID,
		Address:    addr.String(),
		Service:    name,
		Solution:   solution,
		SolverType: solverType,
	}
	if index, ok := s.record(ctx, addr, result); ok {
		result.RecordIndex = &index
	}
	s.logger.Info("task solved", "address", addr.String(), "service", name, "task_id", uniqueID, "solver_type", solverType)
	return result, nil
}

// record appends the submitted solution to the record log. The board already
// holds the solution, so a failure here is logged and not returned.
func (s *Solver) record(ctx context.Context, addr crypto.Address, result Result) (uint64, bool) {
	if s.records == nil {
		return 0, false
	}
	payload, err := json.Marshal(solutionRecord{
		Kind:       "task_solution",
		TaskID:     result.TaskID,
		Service:    result.Service,
		SolverType: result.SolverType,
		Solution:   result.Solution,
	})
	if err != nil {
		s.logger.Warn("encode solution record", "task_id", result.TaskID, "error", err)
		return 0, false
	}
	index, err := s.records.InsertRecord(ctx, addr, string(payload))
	if err != nil {
		s.logger.Warn("solution submitted but not recorded", "address", addr.String(), "task_id", result.TaskID, "error", err)
		return 0, false
	}
	return index, true
}

func hasService(list registry.ServiceList, name string) bool {
	for _, service := range list.Services {
		if service.Name == name {
			return true
		}
	}
	return false
}

// upstream classifies a failed board or generator call.
func upstream(op, step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.ErrTimedOut, op, err)
	}
	return &errs.Error{Kind: errs.ErrUpstream, Op: op, Detail: step, Err: err}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
