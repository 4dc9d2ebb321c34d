package server

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	errs "didmovement/core/errors"
	"didmovement/crypto"
	"didmovement/services/didmovement/custody"
	"didmovement/services/didmovement/records"
	"didmovement/services/didmovement/registry"
	"didmovement/services/didmovement/server/middleware"
	"didmovement/services/didmovement/tasks"
)

type txResponse struct {
	Message string `json:"message"`
	Address string `json:"address"`
	Hash    string `json:"hash"`
	Version uint64 `json:"version"`
}

type accountInfoResponse struct {
	Account  custody.AccountView  `json:"account"`
	DID      *registry.DidRecord  `json:"did"`
	Services registry.ServiceList `json:"services"`
	Explorer string               `json:"explorer,omitempty"`
}

type balanceResponse struct {
	Address      string      `json:"address"`
	BalanceOctas string      `json:"balance_octas"`
	BalanceCoins json.Number `json:"balance_apt"`
	Frozen       bool        `json:"frozen"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("did-movement: decentralized identity service\n"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAccountGenerate(w http.ResponseWriter, r *http.Request) {
	addr, err := s.deps.Accounts.GenerateAccount(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.String()})
}

func (s *Server) handleAccountInfo(w http.ResponseWriter, r *http.Request) {
	_, addr, ok := s.addressParams(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	view, err := s.deps.Accounts.AccountInfo(ctx, addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	did, err := s.deps.DIDs.GetDid(ctx, addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	services, err := s.deps.Services.ListServices(ctx, addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountInfoResponse{
		Account:  view,
		DID:      did,
		Services: services,
		Explorer: s.explorerURL(addr),
	})
}

func (s *Server) handleDidInit(w http.ResponseWriter, r *http.Request) {
	params, addr, ok := s.addressParams(w, r)
	if !ok {
		return
	}
	didType, err := registry.ParseDidType(params.Get("type"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	record, err := s.deps.DIDs.InitializeDid(r.Context(), addr, didType, params.Get("description"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse{
		Message: fmt.Sprintf("%s DID initialised", record.Type),
		Address: record.Address,
		Hash:    record.TxHash,
		Version: record.Version,
	})
}

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	params, addr, ok := s.addressParams(w, r)
	if !ok {
		return
	}
	name := firstNonEmpty(params.Get("name"), s.cfg.ServiceName)
	description := firstNonEmpty(params.Get("description"), s.cfg.ServiceDescription)
	service, err := s.deps.Services.RegisterService(r.Context(), addr, name, description)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse{
		Message: fmt.Sprintf("service %s registered", service.Name),
		Address: addr.String(),
		Hash:    service.TxHash,
		Version: service.Version,
	})
}

func (s *Server) handleRecordInsert(w http.ResponseWriter, r *http.Request) {
	params, addr, ok := s.addressParams(w, r)
	if !ok {
		return
	}
	index, err := s.deps.Records.InsertRecord(r.Context(), addr, params.Get("record"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("record %d inserted", index),
		"index":   index,
	})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	_, addr, ok := s.addressParams(w, r)
	if !ok {
		return
	}
	entries, err := s.deps.Records.Collect(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Address string          `json:"address"`
		Records []records.Entry `json:"records"`
	}{Address: addr.String(), Records: entries})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	_, addr, ok := s.addressParams(w, r)
	if !ok {
		return
	}
	if s.deps.Balances == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Unavailable", "ledger access is disabled")
		return
	}
	balance, err := s.deps.Balances.CoinBalance(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, r, errs.Wrap(errs.ErrSubmissionFailed, "server.balance", err))
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Address:      addr.String(),
		BalanceOctas: balance.Octas.Dec(),
		BalanceCoins: json.Number(balance.Coins()),
		Frozen:       balance.Frozen,
	})
}

func (s *Server) handleOnChain(w http.ResponseWriter, r *http.Request) {
	_, addr, ok := s.addressParams(w, r)
	if !ok {
		return
	}
	did, err := s.deps.DIDs.OnChain(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, did)
}

// handleCallback solves the task named by task_id for the service in the
// path. It is the endpoint did_register_service advertises.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Unavailable", "task solving is disabled")
		return
	}
	params, err := requestParams(w, r)
	if err != nil {
		s.writeFailure(w, r, errs.Wrap(errs.ErrInvalidArgument, "server.params", err))
		return
	}
	addr, err := custody.ParseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	name := chi.URLParam(r, "name")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	result, err := s.deps.Tasks.SolveTask(r.Context(), addr, name, params.Get("task_id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Message string `json:"message"`
		tasks.Result
	}{Message: fmt.Sprintf("task %s solved", result.TaskID), Result: result})
}

// addressParams parses the request parameters and the mandatory addr. On
// failure the error response has already been written.
func (s *Server) addressParams(w http.ResponseWriter, r *http.Request) (url.Values, crypto.Address, bool) {
	params, err := requestParams(w, r)
	if err != nil {
		s.writeFailure(w, r, errs.Wrap(errs.ErrInvalidArgument, "server.params", err))
		return nil, crypto.Address{}, false
	}
	addr, err := custody.ParseAddress(params.Get("addr"))
	if err != nil {
		s.writeFailure(w, r, err)
		return nil, crypto.Address{}, false
	}
	return params, addr, true
}

// requestParams merges the query string with a POST body, which may be a
// form or a flat JSON object.
func requestParams(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	params := r.URL.Query()
	if r.Method != http.MethodPost || r.Body == nil {
		return params, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode JSON body: %w", err)
		}
		for key, value := range body {
			switch v := value.(type) {
			case string:
				params.Set(key, v)
			case nil:
			default:
				params.Set(key, fmt.Sprint(v))
			}
		}
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		for key, values := range r.PostForm {
			if len(values) > 0 {
				params.Set(key, values[0])
			}
		}
	}
	return params, nil
}

func (s *Server) explorerURL(addr crypto.Address) string {
	if s.cfg.ExplorerAccountURL == "" {
		return ""
	}
	return strings.ReplaceAll(s.cfg.ExplorerAccountURL, "%s", addr.String())
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := errs.KindName(err)
	attrs := []any{"path", r.URL.Path, "kind", kind, "status", status, "error", err, "request_id", middleware.RequestIDFrom(r.Context())}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", attrs...)
	} else {
		s.logger.Info("request rejected", attrs...)
	}
	middleware.WriteError(w, status, kind, errs.Detail(err))
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch errs.Kind(err) {
	case errs.ErrInvalidArgument:
		return http.StatusBadRequest
	case errs.ErrAccountNotFound, errs.ErrServiceNotFound, errs.ErrTaskNotFound:
		return http.StatusNotFound
	case errs.ErrDidAlreadyExists, errs.ErrTaskSolved:
		return http.StatusConflict
	case errs.ErrFailed:
		return http.StatusUnprocessableEntity
	case errs.ErrSubmissionFailed, errs.ErrUpstream:
		return http.StatusBadGateway
	case errs.ErrStoreUnavailable:
		return http.StatusServiceUnavailable
	case errs.ErrTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
