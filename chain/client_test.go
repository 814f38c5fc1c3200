package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"tradeagent/observability/logging"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// newRPCServer answers JSON-RPC calls with the handler's result payloads.
func newRPCServer(t *testing.T, handler func(method string, params []json.RawMessage) (any, *rpcErr)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode rpc request: %v", err)
		}
		result, rerr := handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rerr != nil {
			resp["error"] = rerr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func dialTest(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := Dial(context.Background(), server.URL, WithHTTPClient(server.Client()))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestClientTokenQueries(t *testing.T) {
	server := newRPCServer(t, func(method string, params []json.RawMessage) (any, *rpcErr) {
		switch method {
		case "getTokenAccountsByOwner":
			if string(params[0]) != `"Owner1"` || string(params[1]) != `{"mint":"MintA"}` {
				t.Fatalf("unexpected params %s %s", params[0], params[1])
			}
			return map[string]any{"context": map[string]any{"slot": 1}, "value": []map[string]any{{"pubkey": "Acct1"}, {"pubkey": "Acct2"}}}, nil
		case "getTokenAccountBalance":
			return map[string]any{"value": map[string]any{"amount": "123456789012345678901", "decimals": 6, "uiAmountString": "x"}}, nil
		case "getTokenSupply":
			return map[string]any{"value": map[string]any{"amount": "1", "decimals": 5}}, nil
		}
		return nil, &rpcErr{Code: -32601, Message: "method not found"}
	})
	defer server.Close()
	client := dialTest(t, server)

	accounts, err := client.TokenAccountsByOwner(context.Background(), "Owner1", "MintA")
	require.NoError(t, err)
	require.Equal(t, []string{"Acct1", "Acct2"}, accounts)

	amount, decimals, err := client.TokenAccountBalance(context.Background(), "Acct1")
	require.NoError(t, err)
	require.Equal(t, "123456789012345678901", amount.Dec())
	require.Equal(t, uint8(6), decimals)

	mintDecimals, err := client.MintDecimals(context.Background(), "MintA")
	require.NoError(t, err)
	require.Equal(t, uint8(5), mintDecimals)
}

func TestClientSendAndStatus(t *testing.T) {
	raw := []byte{9, 8, 7}
	server := newRPCServer(t, func(method string, params []json.RawMessage) (any, *rpcErr) {
		switch method {
		case "sendTransaction":
			var encoded string
			_ = json.Unmarshal(params[0], &encoded)
			if encoded != base64.StdEncoding.EncodeToString(raw) {
				t.Fatalf("unexpected payload %s", encoded)
			}
			return "Sig111", nil
		case "getSignatureStatuses":
			return map[string]any{"value": []any{map[string]any{"err": map[string]any{"InstructionError": []any{0, "Custom"}}, "confirmationStatus": "confirmed"}}}, nil
		}
		return nil, &rpcErr{Code: -32601, Message: "method not found"}
	})
	defer server.Close()
	client := dialTest(t, server)

	sig, err := client.SendTransaction(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, "Sig111", sig)

	status, err := client.SignatureStatus(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, status.Found)
	require.True(t, status.Failed())
	require.True(t, status.Reached(CommitmentConfirmed))
	require.False(t, status.Reached(CommitmentFinalized))
}

func TestClientSurfacesRPCError(t *testing.T) {
	server := newRPCServer(t, func(string, []json.RawMessage) (any, *rpcErr) {
		return nil, &rpcErr{Code: -32602, Message: "Invalid param"}
	})
	defer server.Close()
	client := dialTest(t, server)

	_, err := client.MintDecimals(context.Background(), "bad")
	require.Error(t, err)
	require.Contains(t, err.Error(), "getTokenSupply")
	require.Contains(t, err.Error(), "Invalid param")
}

type querier struct {
	failures     int
	calls        int
	accounts     []string
	err          error
	balanceErr   error
	balanceCalls int
}

func (q *querier) TokenAccountsByOwner(context.Context, string, string) ([]string, error) {
	q.calls++
	if q.calls <= q.failures {
		return nil, q.err
	}
	return q.accounts, nil
}

func (q *querier) TokenAccountBalance(context.Context, string) (*uint256.Int, uint8, error) {
	q.balanceCalls++
	if q.balanceErr != nil {
		return nil, 0, q.balanceErr
	}
	return uint256.NewInt(1000), 6, nil
}

func TestFindHoldingAccountRetries(t *testing.T) {
	q := &querier{failures: 2, err: errors.New("503"), accounts: []string{"Acct9"}}
	resolver := NewResolver(q, WithRetryDelay(0), WithResolverLogger(logging.Discard()))

	account, err := resolver.FindHoldingAccount(context.Background(), "Owner", "Mint", 3)
	require.NoError(t, err)
	require.Equal(t, "Acct9", account)
	require.Equal(t, 3, q.calls)
}

func TestFindHoldingAccountExhaustsAttempts(t *testing.T) {
	lastErr := errors.New("still down")
	q := &querier{failures: 10, err: lastErr}
	resolver := NewResolver(q, WithRetryDelay(0), WithResolverLogger(logging.Discard()))

	_, err := resolver.FindHoldingAccount(context.Background(), "Owner", "Mint", 0)
	require.ErrorIs(t, err, lastErr)
	require.Equal(t, DefaultResolveAttempts, q.calls)
}

func TestFindHoldingAccountNoAccounts(t *testing.T) {
	q := &querier{}
	resolver := NewResolver(q, WithRetryDelay(0), WithResolverLogger(logging.Discard()))

	account, err := resolver.FindHoldingAccount(context.Background(), "Owner", "Mint", 3)
	require.NoError(t, err)
	require.Empty(t, account)
	require.Equal(t, 1, q.calls)
}

func TestHoldingSnapshotNoRetry(t *testing.T) {
	q := &querier{balanceErr: errors.New("timeout")}
	resolver := NewResolver(q, WithRetryDelay(0), WithResolverLogger(logging.Discard()))

	_, err := resolver.HoldingSnapshot(context.Background(), "Acct1")
	require.Error(t, err)
	require.Equal(t, 1, q.balanceCalls)

	q.balanceErr = nil
	snap, err := resolver.HoldingSnapshot(context.Background(), "Acct1")
	require.NoError(t, err)
	require.Equal(t, "1000", snap.Amount.Dec())
	require.Equal(t, uint8(6), snap.Decimals)
	require.Equal(t, "Acct1", snap.Account)
}

type statusSeq struct {
	mu       sync.Mutex
	statuses []SignatureStatus
	calls    int
}

func (s *statusSeq) SignatureStatus(context.Context, string) (SignatureStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	return s.statuses[idx], nil
}

func TestPollingConfirmerWaitsForConfirmation(t *testing.T) {
	src := &statusSeq{statuses: []SignatureStatus{
		{},
		{Found: true, ConfirmationStatus: CommitmentProcessed},
		{Found: true, ConfirmationStatus: CommitmentConfirmed},
	}}
	confirmer := NewPollingConfirmer(src, time.Millisecond, time.Second)
	require.NoError(t, confirmer.Confirm(context.Background(), "Sig"))
	require.Equal(t, 3, src.calls)
}

func TestPollingConfirmerReportsFailure(t *testing.T) {
	src := &statusSeq{statuses: []SignatureStatus{
		{Found: true, ConfirmationStatus: CommitmentConfirmed, Err: json.RawMessage(`{"InstructionError":[2,{"Custom":6001}]}`)},
	}}
	confirmer := NewPollingConfirmer(src, time.Millisecond, time.Second)
	err := confirmer.Confirm(context.Background(), "SigF")
	var failed *TxFailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, "SigF", failed.Signature)
	require.JSONEq(t, `{"InstructionError":[2,{"Custom":6001}]}`, string(failed.Detail))
}

func TestPollingConfirmerTimeout(t *testing.T) {
	src := &statusSeq{statuses: []SignatureStatus{{}}}
	confirmer := NewPollingConfirmer(src, time.Millisecond, 20*time.Millisecond)
	require.ErrorIs(t, confirmer.Confirm(context.Background(), "SigT"), ErrConfirmationTimeout)
}

func TestSubscriptionConfirmer(t *testing.T) {
	for name, tc := range map[string]struct {
		err     any
		wantErr bool
	}{
		"success": {err: nil},
		"failure": {err: map[string]any{"InstructionError": []any{0, "InvalidAccountData"}}, wantErr: true},
	} {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, err := websocket.Accept(w, r, nil)
				if err != nil {
					t.Errorf("accept: %v", err)
					return
				}
				defer conn.Close(websocket.StatusNormalClosure, "done")
				ctx := r.Context()
				var req wsRequest
				if err := wsjson.Read(ctx, conn, &req); err != nil {
					t.Errorf("read subscribe: %v", err)
					return
				}
				if req.Method != "signatureSubscribe" {
					t.Errorf("unexpected method %s", req.Method)
				}
				_ = wsjson.Write(ctx, conn, map[string]any{"jsonrpc": "2.0", "result": 42, "id": req.ID})
				_ = wsjson.Write(ctx, conn, map[string]any{
					"jsonrpc": "2.0",
					"method":  "signatureNotification",
					"params": map[string]any{
						"subscription": 42,
						"result":       map[string]any{"context": map[string]any{"slot": 5}, "value": map[string]any{"err": tc.err}},
					},
				})
				// Keep the connection open until the client closes it.
				_, _, _ = conn.Read(ctx)
			}))
			defer server.Close()

			endpoint := "ws" + server.URL[len("http"):]
			confirmer := NewSubscriptionConfirmer(endpoint, 2*time.Second, nil)
			err := confirmer.Confirm(context.Background(), "SigWS")
			if tc.wantErr {
				var failed *TxFailedError
				require.ErrorAs(t, err, &failed)
				require.Contains(t, string(failed.Detail), "InvalidAccountData")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSubscriptionConfirmerFallsBackToPolling(t *testing.T) {
	src := &statusSeq{statuses: []SignatureStatus{{Found: true, ConfirmationStatus: CommitmentFinalized}}}
	confirmer := NewSubscriptionConfirmer("ws://127.0.0.1:1", time.Second, src)
	require.NoError(t, confirmer.Confirm(context.Background(), "SigP"))
}
