package realtime

// responseRequest is one call to request a response.
type responseRequest struct {
	force  bool
	reason string
}

// responseLifecycle keeps at most one response in flight. Requests made while
// one is in flight collapse into a single deferred request (last write wins)
// that is replayed once the in-flight response finishes.
type responseLifecycle struct {
	inProgress bool
	deferred   *responseRequest
	last       *responseRequest
}

// admit reports whether req may be sent now. If not, req becomes the
// deferred request.
func (r *responseLifecycle) admit(req responseRequest) bool {
	if r.inProgress {
		r.deferred = &req
		return false
	}
	return true
}

// started records that req was sent.
func (r *responseLifecycle) started(req responseRequest) {
	r.inProgress = true
	r.last = &req
}

// finish clears the in-flight response and returns the deferred request, if
// any. A deferred request is replayed exactly once whether or not input was
// committed while it waited.
func (r *responseLifecycle) finish() *responseRequest {
	r.inProgress = false
	d := r.deferred
	r.deferred = nil
	return d
}

// rejectedActive handles the server refusing a response.create because one
// is already active: the server's response is treated as ours and the refused
// request is queued behind it.
func (r *responseLifecycle) rejectedActive() {
	r.inProgress = true
	if r.deferred == nil && r.last != nil {
		d := *r.last
		r.deferred = &d
	}
}

func (r *responseLifecycle) reset() { *r = responseLifecycle{} }
