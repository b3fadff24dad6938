package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FakeOutcome scripts one Disburse call on the Fake.
type FakeOutcome struct {
	Err    error
	Result *DisbursementResult
}

// FailWithStatus scripts an HTTP failure such as 503.
func FailWithStatus(code int) FakeOutcome {
	return FakeOutcome{Err: &Error{Op: "disburse", StatusCode: code}}
}

// RejectWith scripts an explicit rejection.
func RejectWith(reason string) FakeOutcome {
	return FakeOutcome{Result: &DisbursementResult{Reason: reason}}
}

// Fake is an in-memory gateway for local development and tests. Unscripted
// disbursements are accepted; results are remembered per idempotency key.
type Fake struct {
	mu            sync.Mutex
	charges       map[string]Event
	invoices      map[string]string
	script        []FakeOutcome
	byKey         map[string]DisbursementResult
	disbursements map[string]DisbursementState
	calls         int
}

func NewFake() *Fake {
	return &Fake{
		charges:       make(map[string]Event),
		invoices:      make(map[string]string),
		byKey:         make(map[string]DisbursementResult),
		disbursements: make(map[string]DisbursementState),
	}
}

// SetCharge records what the gateway reports for a renter charge.
func (f *Fake) SetCharge(event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges[event.TransactionID] = event
	f.invoices[event.InvoiceID] = event.TransactionID
}

func (f *Fake) QueueDisbursement(outcomes ...FakeOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, outcomes...)
}

// SetDisbursementState overrides the status reported for a reference.
func (f *Fake) SetDisbursementState(reference string, state DisbursementState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disbursements[reference] = state
}

func (f *Fake) DisburseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) QueryStatus(ctx context.Context, query StatusQuery) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	txID := strings.TrimSpace(query.TransactionID)
	if txID == "" {
		txID = f.invoices[strings.TrimSpace(query.InvoiceID)]
	}
	event, ok := f.charges[txID]
	if !ok {
		return Event{}, &Error{Op: "query_status", StatusCode: http.StatusNotFound, Err: ErrNotFound}
	}
	return event, nil
}

func (f *Fake) Disburse(ctx context.Context, req DisbursementRequest) (DisbursementResult, error) {
	if err := ctx.Err(); err != nil {
		return DisbursementResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if prior, ok := f.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return prior, nil
	}

	result := DisbursementResult{Accepted: true, ExternalRef: "fake_" + uuid.NewString()}
	if len(f.script) > 0 {
		next := f.script[0]
		f.script = f.script[1:]
		if next.Err != nil {
			return DisbursementResult{}, next.Err
		}
		if next.Result != nil {
			result = *next.Result
		}
	}

	if req.IdempotencyKey != "" && ClassifyResult(result) != FailureRetryable {
		f.byKey[req.IdempotencyKey] = result
	}
	if result.Accepted {
		f.disbursements[req.Reference] = DisbursementState{Status: DisbursementSettled, ExternalRef: result.ExternalRef}
	} else {
		f.disbursements[req.Reference] = DisbursementState{Status: DisbursementRejected, Reason: result.Reason}
	}
	return result, nil
}

func (f *Fake) DisbursementStatus(ctx context.Context, reference string) (DisbursementState, error) {
	if err := ctx.Err(); err != nil {
		return DisbursementState{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.disbursements[reference]
	if !ok {
		return DisbursementState{Status: DisbursementNotFound}, nil
	}
	return state, nil
}
