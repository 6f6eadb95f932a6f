package transport

import (
	"context"
	"sync"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/processor"
)

// Recorder is an in-memory Sender used by tests and by the mapping test
// harness: requests are captured instead of published, so a mapping can be
// exercised end to end without a broker.
type Recorder struct {
	mu   sync.Mutex
	sent []RecordedRequest

	// Err, when set, is returned by every Send call.
	Err error
}

// RecordedRequest is one captured dispatch.
type RecordedRequest struct {
	Tenant  string
	Request processor.Request
}

var _ processor.Sender = (*Recorder)(nil)

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send captures the request. The request is copied so later mutation by the
// pipeline cannot change what was recorded.
func (r *Recorder) Send(_ context.Context, tenant string, req *processor.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, RecordedRequest{Tenant: tenant, Request: *req})
	return nil
}

// Sent returns a snapshot of the captured requests in dispatch order.
func (r *Recorder) Sent() []RecordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedRequest, len(r.sent))
	copy(out, r.sent)
	return out
}

// Reset discards the captured requests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
