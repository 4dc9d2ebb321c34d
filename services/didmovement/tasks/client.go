package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Task is one entry of the task board. Solution is empty until a solver
// submits one.
type Task struct {
	ID        int64           `json:"id"`
	UniqueID  string          `json:"unique_id"`
	User      string          `json:"user"`
	Prompt    string          `json:"prompt"`
	TaskType  string          `json:"task_type"`
	Solution  string          `json:"solution"`
	Solver    string          `json:"solver"`
	Fee       json.RawMessage `json:"fee,omitempty"`
	FeeUnit   string          `json:"fee_unit"`
	Tx        string          `json:"tx"`
	CreatedAt string          `json:"created_at"`
	SolvedAt  string          `json:"solved_at"`
	Signature json.RawMessage `json:"signature,omitempty"`
}

// Solved reports whether a solution has already been recorded.
func (t Task) Solved() bool {
	return strings.TrimSpace(t.Solution) != ""
}

// Submission is the body of POST /submit_solution.
type Submission struct {
	UniqueID   string   `json:"unique_id"`
	Solution   string   `json:"solution"`
	Solver     string   `json:"solver"`
	SolverType []string `json:"solver_type"`
}

// Board is the task board surface the solver depends on.
type Board interface {
	Task(ctx context.Context, uniqueID string) (*Task, error)
	SubmitSolution(ctx context.Context, sub Submission) error
}

// ErrTaskNotFound is returned when the board has no task for an id.
var ErrTaskNotFound = errors.New("tasks: task not found")

// APIError is a non-2xx response from the board or the completion endpoint.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tasks: status=%d body=%s", e.Status, e.Body)
}

// BoardClient implements Board against the task board's REST API.
type BoardClient struct {
	baseURL string
	http    *http.Client
}

type options struct {
	http *http.Client
}

// Option configures the REST clients of this package.
type Option func(*options)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.http = client
		}
	}
}

func httpClient(opts []Option) *http.Client {
	o := options{http: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}
	return o.http
}

func NewBoardClient(baseURL string, opts ...Option) *BoardClient {
	return &BoardClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    httpClient(opts),
	}
}

// Task fetches the task with uniqueID. The board answers with a list, which
// is empty for unknown ids.
func (c *BoardClient) Task(ctx context.Context, uniqueID string) (*Task, error) {
	endpoint := c.baseURL + "/task?" + url.Values{"unique_id": {uniqueID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	var found []Task
	if err := doJSON(c.http, req, &found); err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrTaskNotFound
	}
	return &found[0], nil
}

func (c *BoardClient) SubmitSolution(ctx context.Context, sub Submission) error {
	req, err := newJSONRequest(ctx, c.baseURL+"/submit_solution", sub)
	if err != nil {
		return err
	}
	return doJSON(c.http, req, nil)
}

func newJSONRequest(ctx context.Context, endpoint string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("tasks: decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
