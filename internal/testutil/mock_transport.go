package testutil

import (
	"context"
	"sync"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/authority"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
)

// MockTransport is a scripted stand-in for the authority client. Each
// operation delegates to the corresponding func field; unset fields return
// benign defaults. Calls records the operations and send modes seen, in
// order.
type MockTransport struct {
	AuthorizeFunc   func(ctx context.Context, mode fiscal.EmissionMode, signedXML []byte) (*authority.AuthorizeResult, error)
	PollReceiptFunc func(ctx context.Context, mode fiscal.EmissionMode, receipt string) (*authority.ReceiptResult, error)
	QueryStatusFunc func(ctx context.Context, accessKey string) (*authority.QueryResult, error)
	HealthCheckFunc func(ctx context.Context, mode fiscal.EmissionMode) (*authority.ServiceStatus, error)
	CancelFunc      func(ctx context.Context, accessKey, protocol, justification string) (*authority.EventResult, error)
	CorrectFunc     func(ctx context.Context, accessKey, correctionText string, sequence int) (*authority.EventResult, error)

	mu    sync.Mutex
	calls []TransportCall
}

// TransportCall is one recorded operation.
type TransportCall struct {
	Operation string
	Mode      fiscal.EmissionMode
}

func (m *MockTransport) recordCall(operation string, mode fiscal.EmissionMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, TransportCall{Operation: operation, Mode: mode})
}

// Calls returns the recorded operations in order.
func (m *MockTransport) Calls() []TransportCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransportCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// RejectingAuthorize builds an AuthorizeFunc that fails every submission
// with a terminal business rejection carrying the given cStat and message.
func RejectingAuthorize(statusCode int, message string) func(context.Context, fiscal.EmissionMode, []byte) (*authority.AuthorizeResult, error) {
	return func(context.Context, fiscal.EmissionMode, []byte) (*authority.AuthorizeResult, error) {
		return nil, &authority.AuthorityRejection{Operation: "authorize", StatusCode: statusCode, Message: message}
	}
}

func (m *MockTransport) Authorize(ctx context.Context, mode fiscal.EmissionMode, signedXML []byte) (*authority.AuthorizeResult, error) {
	m.recordCall("authorize", mode)
	if m.AuthorizeFunc != nil {
		return m.AuthorizeFunc(ctx, mode, signedXML)
	}
	return &authority.AuthorizeResult{
		BatchStatus: 104,
		Protocol: &fiscal.ProtocolResult{
			StatusCode: 100,
			Message:    "Autorizado o uso da NF-e",
			Protocol:   "342250000000001",
		},
	}, nil
}

func (m *MockTransport) PollReceipt(ctx context.Context, mode fiscal.EmissionMode, receipt string) (*authority.ReceiptResult, error) {
	m.recordCall("poll_receipt", mode)
	if m.PollReceiptFunc != nil {
		return m.PollReceiptFunc(ctx, mode, receipt)
	}
	return &authority.ReceiptResult{
		StatusCode: 104,
		Protocol: &fiscal.ProtocolResult{
			StatusCode: 100,
			Message:    "Autorizado o uso da NF-e",
			Protocol:   "342250000000001",
		},
	}, nil
}

func (m *MockTransport) QueryStatus(ctx context.Context, accessKey string) (*authority.QueryResult, error) {
	m.recordCall("query_status", "")
	if m.QueryStatusFunc != nil {
		return m.QueryStatusFunc(ctx, accessKey)
	}
	return &authority.QueryResult{StatusCode: 100, Message: "Autorizado o uso da NF-e"}, nil
}

func (m *MockTransport) HealthCheck(ctx context.Context, mode fiscal.EmissionMode) (*authority.ServiceStatus, error) {
	m.recordCall("health_check", mode)
	if m.HealthCheckFunc != nil {
		return m.HealthCheckFunc(ctx, mode)
	}
	return &authority.ServiceStatus{Online: true, StatusCode: 107}, nil
}

func (m *MockTransport) Cancel(ctx context.Context, accessKey, protocol, justification string) (*authority.EventResult, error) {
	m.recordCall("cancel", "")
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, accessKey, protocol, justification)
	}
	return &authority.EventResult{StatusCode: 135, Message: "Evento registrado e vinculado a NF-e"}, nil
}

func (m *MockTransport) Correct(ctx context.Context, accessKey, correctionText string, sequence int) (*authority.EventResult, error) {
	m.recordCall("correct", "")
	if m.CorrectFunc != nil {
		return m.CorrectFunc(ctx, accessKey, correctionText, sequence)
	}
	return &authority.EventResult{StatusCode: 135, Message: "Evento registrado e vinculado a NF-e"}, nil
}
