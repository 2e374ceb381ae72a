package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jobmesh-backend/observability"
)

// RPCError is a failed ledger call. Retryable distinguishes transport and
// server-side trouble (worth another attempt) from contract-level rejections
// (which will fail the same way every time).
type RPCError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *RPCError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *RPCError) Unwrap() error { return e.Err }

func (e *RPCError) Retryable() bool {
	return e.Err != nil || e.StatusCode >= 500
}

// HTTPLedger talks to an escrow gateway that fronts the on-chain contract.
type HTTPLedger struct {
	apiBase string
	http    *http.Client
}

// NewHTTPLedger builds a client for the given gateway base URL.
func NewHTTPLedger(apiBase string) *HTTPLedger {
	if apiBase == "" {
		apiBase = "http://127.0.0.1:8545"
	}
	return &HTTPLedger{
		apiBase: strings.TrimRight(apiBase, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (l *HTTPLedger) CreateEscrow(ctx context.Context, escrowID, jobID, clientRef, workerRef string, amountSats int64) error {
	payload := map[string]any{
		"escrow_id":   escrowID,
		"job_id":      jobID,
		"client_ref":  clientRef,
		"worker_ref":  workerRef,
		"amount_sats": amountSats,
	}
	err := l.post(ctx, "create", "/escrow", payload)
	if rpc, ok := err.(*RPCError); ok && rpc.StatusCode == http.StatusConflict {
		return ErrEscrowExists
	}
	return err
}

func (l *HTTPLedger) FundEscrow(ctx context.Context, escrowID string) error {
	return l.post(ctx, "fund", "/escrow/"+escrowID+"/fund", nil)
}

func (l *HTTPLedger) Status(ctx context.Context, escrowID string) (EscrowStatus, error) {
	url := fmt.Sprintf("%s/escrow/%s", l.apiBase, escrowID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusNone, &RPCError{Op: "status", Err: err}
	}
	resp, err := l.http.Do(req)
	if err != nil {
		observability.RecordEscrowRPC("status", false)
		return StatusNone, &RPCError{Op: "status", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		observability.RecordEscrowRPC("status", true)
		return StatusNone, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		observability.RecordEscrowRPC("status", false)
		return StatusNone, &RPCError{Op: "status", StatusCode: resp.StatusCode, Body: string(body)}
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		observability.RecordEscrowRPC("status", false)
		return StatusNone, &RPCError{Op: "status", Err: fmt.Errorf("decode: %w", err)}
	}
	status, err := ParseStatus(out.Status)
	if err != nil {
		observability.RecordEscrowRPC("status", false)
		return StatusNone, &RPCError{Op: "status", Err: err}
	}
	observability.RecordEscrowRPC("status", true)
	return status, nil
}

func (l *HTTPLedger) SubmitDelivery(ctx context.Context, escrowID, deliveryRef string) error {
	return l.post(ctx, "delivery", "/escrow/"+escrowID+"/delivery", map[string]any{
		"delivery_ref": deliveryRef,
	})
}

func (l *HTTPLedger) ApproveWork(ctx context.Context, escrowID string) error {
	return l.post(ctx, "approve", "/escrow/"+escrowID+"/approve", nil)
}

func (l *HTTPLedger) RaiseDispute(ctx context.Context, escrowID, reason string) error {
	return l.post(ctx, "dispute", "/escrow/"+escrowID+"/dispute", map[string]any{
		"reason": reason,
	})
}

func (l *HTTPLedger) post(ctx context.Context, op, path string, payload map[string]any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return &RPCError{Op: op, Err: err}
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.apiBase+path, body)
	if err != nil {
		return &RPCError{Op: op, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := l.http.Do(req)
	if err != nil {
		observability.RecordEscrowRPC(op, false)
		return &RPCError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		observability.RecordEscrowRPC(op, false)
		return &RPCError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	observability.RecordEscrowRPC(op, true)
	return nil
}
