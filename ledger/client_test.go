package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"testing"

	"github.com/jarcoal/httpmock"

	"didmovement/crypto"
)

const testBaseURL = "https://fullnode.test/v1"

func newMockClient(t *testing.T) (*RESTClient, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	client := NewRESTClient(testBaseURL+"/", WithHTTPClient(&http.Client{Transport: transport}))
	return client, transport
}

func TestChainIDAndSequenceNumber(t *testing.T) {
	client, transport := newMockClient(t)
	addr := crypto.MustParseAddress("0xabc")
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/",
		httpmock.NewStringResponder(200, `{"chain_id":250,"ledger_version":"123","block_height":"45"}`))
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/accounts/"+addr.String(),
		httpmock.NewStringResponder(200, `{"sequence_number":"17","authentication_key":"0x00"}`))

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	if chainID != 250 {
		t.Fatalf("unexpected chain id %d", chainID)
	}
	seq, err := client.SequenceNumber(context.Background(), addr)
	if err != nil {
		t.Fatalf("sequence number: %v", err)
	}
	if seq != 17 {
		t.Fatalf("unexpected sequence number %d", seq)
	}
}

func TestSequenceNumberUnknownAccount(t *testing.T) {
	client, transport := newMockClient(t)
	addr := crypto.MustParseAddress("0xdead")
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/accounts/"+addr.String(),
		httpmock.NewStringResponder(404, `{"message":"Account not found","error_code":"account_not_found"}`))

	_, err := client.SequenceNumber(context.Background(), addr)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != 404 || apiErr.ErrorCode != "account_not_found" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestSubmitTransactionSendsBCS(t *testing.T) {
	client, transport := newMockClient(t)
	signed := testSignedTransaction(t)
	var gotType string
	var gotBody []byte
	transport.RegisterResponder(http.MethodPost, testBaseURL+"/transactions",
		func(req *http.Request) (*http.Response, error) {
			gotType = req.Header.Get("Content-Type")
			gotBody, _ = io.ReadAll(req.Body)
			return httpmock.NewStringResponse(202, `{"hash":"`+signed.Hash()+`"}`), nil
		})

	pending, err := client.SubmitTransaction(context.Background(), signed)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if pending.Hash != signed.Hash() {
		t.Fatalf("unexpected hash %s", pending.Hash)
	}
	if gotType != signedTransactionContentType {
		t.Fatalf("unexpected content type %q", gotType)
	}
	if string(gotBody) != string(signed.Bytes()) {
		t.Fatalf("request body is not the BCS signed transaction")
	}
}

func TestSubmitTransactionRejected(t *testing.T) {
	client, transport := newMockClient(t)
	transport.RegisterResponder(http.MethodPost, testBaseURL+"/transactions",
		httpmock.NewStringResponder(400, `{"message":"Invalid transaction: SEQUENCE_NUMBER_TOO_OLD","error_code":"vm_error"}`))

	_, err := client.SubmitTransaction(context.Background(), testSignedTransaction(t))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != 400 || apiErr.Message == "" || apiErr.Body == "" {
		t.Fatalf("expected error body to be attached, got %+v", apiErr)
	}
}

func TestTransactionByHash(t *testing.T) {
	client, transport := newMockClient(t)
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/transactions/by_hash/0xaa",
		httpmock.NewStringResponder(200, `{"type":"user_transaction","hash":"0xaa","version":"991","success":true,"vm_status":"Executed successfully"}`))
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/transactions/by_hash/0xbb",
		httpmock.NewStringResponder(200, `{"type":"pending_transaction","hash":"0xbb"}`))
	transport.RegisterResponder(http.MethodGet, testBaseURL+"/transactions/by_hash/0xcc",
		httpmock.NewStringResponder(404, `{"message":"Transaction not found","error_code":"transaction_not_found"}`))

	txn, err := client.TransactionByHash(context.Background(), "0xaa")
	if err != nil {
		t.Fatalf("by hash: %v", err)
	}
	if !txn.Confirmed() || txn.Version != 991 {
		t.Fatalf("unexpected transaction %+v", txn)
	}
	pending, err := client.TransactionByHash(context.Background(), "0xbb")
	if err != nil {
		t.Fatalf("by hash: %v", err)
	}
	if pending.Executed() || pending.Confirmed() {
		t.Fatalf("pending transaction must not count as executed")
	}
	if _, err := client.TransactionByHash(context.Background(), "0xcc"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestCoinBalance(t *testing.T) {
	client, transport := newMockClient(t)
	funded := crypto.MustParseAddress("0x1234")
	empty := crypto.MustParseAddress("0x5678")
	transport.RegisterRegexpResponder(http.MethodGet, regexp.MustCompile(`/accounts/`+funded.String()+`/resource/`),
		httpmock.NewStringResponder(200, `{"type":"0x1::coin::CoinStore<0x1::aptos_coin::AptosCoin>","data":{"coin":{"value":"150000001"},"frozen":false}}`))
	transport.RegisterRegexpResponder(http.MethodGet, regexp.MustCompile(`/accounts/`+empty.String()+`/resource/`),
		httpmock.NewStringResponder(404, `{"message":"Resource not found","error_code":"resource_not_found"}`))

	bal, err := client.CoinBalance(context.Background(), funded)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Octas.Uint64() != 150000001 {
		t.Fatalf("unexpected octas %s", bal.Octas.Dec())
	}
	if bal.Coins() != "1.50000001" {
		t.Fatalf("unexpected coin rendering %s", bal.Coins())
	}
	zero, err := client.CoinBalance(context.Background(), empty)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if zero.Coins() != "0.00000000" {
		t.Fatalf("missing resource should read as zero, got %s", zero.Coins())
	}
}

func testSignedTransaction(t *testing.T) *SignedTransaction {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	fn, err := NewEntryFunction("0x1::init::init", U8Arg(1), StringArg("org"))
	if err != nil {
		t.Fatalf("entry function: %v", err)
	}
	raw := &RawTransaction{
		Sender:                  key.PubKey().Address(),
		Payload:                 fn,
		MaxGasAmount:            200000,
		GasUnitPrice:            100,
		ExpirationTimestampSecs: 1700000600,
		ChainID:                 4,
	}
	signed, err := raw.Sign(func(msg []byte) ([]byte, []byte, error) {
		return key.PubKey().Bytes(), key.Sign(msg), nil
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestView(t *testing.T) {
	client, transport := newMockClient(t)
	var got ViewRequest
	transport.RegisterResponder(http.MethodPost, testBaseURL+"/view",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return httpmock.NewStringResponse(400, `{"message":"bad body"}`), nil
			}
			return httpmock.NewStringResponse(200, `[2]`), nil
		})

	out, err := client.View(context.Background(), ViewRequest{
		Function:  "0x1::addr_aggregator::get_type",
		Arguments: []any{"0xabc"},
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(out) != 1 || string(out[0]) != "2" {
		t.Fatalf("unexpected view result %s", out)
	}
	if got.Function != "0x1::addr_aggregator::get_type" || got.TypeArguments == nil || len(got.Arguments) != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
}
