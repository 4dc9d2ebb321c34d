package ledger

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

	"github.com/holiman/uint256"

	"didmovement/crypto"
)

const (
	signedTransactionContentType = "application/x.aptos.signed_transaction+bcs"
	coinStoreResource            = "0x1::coin::CoinStore<0x1::aptos_coin::AptosCoin>"

	// OctasPerCoin is the number of base units in one native coin.
	OctasPerCoin = 100_000_000

	TypeUserTransaction    = "user_transaction"
	TypePendingTransaction = "pending_transaction"
)

// ErrTransactionNotFound is returned while the fullnode has not seen a hash yet.
var ErrTransactionNotFound = errors.New("ledger: transaction not found")

// Client is the subset of the fullnode REST API the service depends on.
type Client interface {
	ChainID(ctx context.Context) (uint8, error)
	SequenceNumber(ctx context.Context, addr crypto.Address) (uint64, error)
	SubmitTransaction(ctx context.Context, txn *SignedTransaction) (*PendingTransaction, error)
	TransactionByHash(ctx context.Context, hash string) (*Transaction, error)
	CoinBalance(ctx context.Context, addr crypto.Address) (*Balance, error)
}

// Viewer runs read-only Move view functions.
type Viewer interface {
	View(ctx context.Context, req ViewRequest) ([]json.RawMessage, error)
}

// ViewRequest is the JSON body of POST /view. Arguments use the JSON
// encoding of their Move types (u64 as decimal strings, addresses as hex).
type ViewRequest struct {
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

// APIError is a non-2xx fullnode response.
type APIError struct {
	Status    int
	Message   string
	ErrorCode string
	Body      string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ledger: status=%d code=%s: %s", e.Status, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("ledger: status=%d body=%s", e.Status, e.Body)
}

// LedgerInfo is the response of GET /.
type LedgerInfo struct {
	ChainID       uint8  `json:"chain_id"`
	LedgerVersion uint64 `json:"ledger_version,string"`
	BlockHeight   uint64 `json:"block_height,string"`
}

type accountResponse struct {
	SequenceNumber uint64 `json:"sequence_number,string"`
	AuthKey        string `json:"authentication_key"`
}

// PendingTransaction is the acknowledgement returned by a submission.
type PendingTransaction struct {
	Hash string `json:"hash"`
}

// Transaction is the subset of a committed or pending transaction the
// poller inspects.
type Transaction struct {
	Type     string `json:"type"`
	Hash     string `json:"hash"`
	Version  uint64 `json:"version,string"`
	Success  bool   `json:"success"`
	VMStatus string `json:"vm_status"`
}

// Confirmed reports whether the transaction executed successfully.
func (t *Transaction) Confirmed() bool {
	return t.Type == TypeUserTransaction && t.Success
}

// Executed reports whether the transaction left the mempool, successfully or not.
func (t *Transaction) Executed() bool {
	return t.Type == TypeUserTransaction
}

// Balance is a native coin balance.
type Balance struct {
	Octas  *uint256.Int
	Frozen bool
}

// Coins renders the balance in whole coins with eight decimals.
func (b *Balance) Coins() string {
	if b == nil || b.Octas == nil {
		return "0.00000000"
	}
	unit := uint256.NewInt(OctasPerCoin)
	whole := new(uint256.Int).Div(b.Octas, unit)
	frac := new(uint256.Int).Mod(b.Octas, unit)
	return fmt.Sprintf("%s.%08d", whole.Dec(), frac.Uint64())
}

type coinStoreResponse struct {
	Data struct {
		Coin struct {
			Value string `json:"value"`
		} `json:"coin"`
		Frozen bool `json:"frozen"`
	} `json:"data"`
}

type apiErrorBody struct {
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
}

// RESTClient implements Client against a fullnode's /v1 REST API.
type RESTClient struct {
	baseURL string
	http    *http.Client
}

// Option configures a RESTClient.
type Option func(*RESTClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *RESTClient) {
		if client != nil {
			c.http = client
		}
	}
}

func NewRESTClient(baseURL string, opts ...Option) *RESTClient {
	c := &RESTClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RESTClient) LedgerInfo(ctx context.Context) (*LedgerInfo, error) {
	var info LedgerInfo
	if err := c.getJSON(ctx, "/", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *RESTClient) ChainID(ctx context.Context) (uint8, error) {
	info, err := c.LedgerInfo(ctx)
	if err != nil {
		return 0, err
	}
	return info.ChainID, nil
}

func (c *RESTClient) SequenceNumber(ctx context.Context, addr crypto.Address) (uint64, error) {
	var acct accountResponse
	if err := c.getJSON(ctx, "/accounts/"+addr.String(), &acct); err != nil {
		return 0, err
	}
	return acct.SequenceNumber, nil
}

func (c *RESTClient) SubmitTransaction(ctx context.Context, txn *SignedTransaction) (*PendingTransaction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(txn.Bytes()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", signedTransactionContentType)
	req.Header.Set("Accept", "application/json")
	var pending PendingTransaction
	if err := c.do(req, &pending); err != nil {
		return nil, err
	}
	if pending.Hash == "" {
		pending.Hash = txn.Hash()
	}
	return &pending, nil
}

// TransactionByHash returns ErrTransactionNotFound on 404.
func (c *RESTClient) TransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	var txn Transaction
	err := c.getJSON(ctx, "/transactions/by_hash/"+url.PathEscape(hash), &txn)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// CoinBalance reads the native CoinStore resource. An account without the
// resource has a zero balance.
func (c *RESTClient) CoinBalance(ctx context.Context, addr crypto.Address) (*Balance, error) {
	var store coinStoreResponse
	err := c.getJSON(ctx, "/accounts/"+addr.String()+"/resource/"+url.PathEscape(coinStoreResource), &store)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return &Balance{Octas: uint256.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	value := strings.TrimSpace(store.Data.Coin.Value)
	if value == "" {
		value = "0"
	}
	octas, err := uint256.FromDecimal(value)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse coin value %q: %w", value, err)
	}
	return &Balance{Octas: octas, Frozen: store.Data.Frozen}, nil
}

func (c *RESTClient) View(ctx context.Context, viewReq ViewRequest) ([]json.RawMessage, error) {
	if viewReq.TypeArguments == nil {
		viewReq.TypeArguments = []string{}
	}
	if viewReq.Arguments == nil {
		viewReq.Arguments = []any{}
	}
	body, err := json.Marshal(viewReq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/view", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	var out []json.RawMessage
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RESTClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *RESTClient) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Body: string(body)}
		var decoded apiErrorBody
		if json.Unmarshal(body, &decoded) == nil {
			apiErr.Message = decoded.Message
			apiErr.ErrorCode = decoded.ErrorCode
		}
		return apiErr
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("ledger: decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
