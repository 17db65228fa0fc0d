package exchange

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/iotlib/coap/pkg/message"
	"github.com/iotlib/coap/pkg/stack"
)

const testInterval = 20 * time.Millisecond

// recordingTransport records every message handed to Send.
type recordingTransport struct {
	mu   sync.Mutex
	sent []*message.Message
}

func (t *recordingTransport) Send(msg *message.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg.Clone())
	return nil
}

func (t *recordingTransport) Sent() []*message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*message.Message(nil), t.sent...)
}

// fakeResolver answers lookups, optionally blocking until released.
type fakeResolver struct {
	addrs   []netip.Addr
	err     error
	release chan struct{}

	mu    sync.Mutex
	hosts []string
}

func (r *fakeResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	r.mu.Lock()
	r.hosts = append(r.hosts, host)
	r.mu.Unlock()

	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.addrs, r.err
}

// recorder collects the notifications of one exchange.
type recorder struct {
	mu            sync.Mutex
	statuses      []Status
	completed     []*message.Message
	notifications []*message.Message
	timeouts      int
	targets       []string
}

func record(e *Exchange) *recorder {
	r := &recorder{}
	e.OnStatusChanged(func(s Status) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.statuses = append(r.statuses, s)
	})
	e.OnCompleted(func(m *message.Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.completed = append(r.completed, m)
	})
	e.OnNotification(func(m *message.Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.notifications = append(r.notifications, m)
	})
	e.OnTimeout(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.timeouts++
	})
	e.OnTargetChanged(func(uri string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.targets = append(r.targets, uri)
	})
	return r
}

func (r *recorder) counts() (completed, notifications, timeouts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed), len(r.notifications), r.timeouts
}

func (r *recorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func newTestStack(t *testing.T) (*stack.Stack, *recordingTransport) {
	t.Helper()
	tr := &recordingTransport{}
	s, err := stack.New(stack.Config{Transport: tr, AckTimeout: testInterval})
	if err != nil {
		t.Fatalf("stack.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func responseTo(req *message.Message, code message.Code) *message.Message {
	return &message.Message{
		Type:      message.Acknowledgement,
		Code:      code,
		MessageID: req.MessageID,
		Token:     append([]byte(nil), req.Token...),
		Addr:      req.Addr,
	}
}

func TestEndToEndGet(t *testing.T) {
	s, tr := newTestStack(t)
	e := New(Config{Stack: s})
	rec := record(e)

	if err := e.SetTarget("coap://203.0.113.5/hello"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if e.Status() != StatusReady {
		t.Fatalf("Status() = %s, want Ready", e.Status())
	}

	if err := e.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if e.Status() != StatusInProgress {
		t.Fatalf("Status() = %s, want InProgress", e.Status())
	}

	sent := tr.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(sent))
	}
	req := sent[0]
	if req.Code != message.GET || req.Type != message.Confirmable {
		t.Errorf("request = %s %s, want CON GET", req.Type, req.Code)
	}
	if len(req.Token) == 0 {
		t.Error("request token is empty")
	}
	if req.Path() != "/hello" {
		t.Errorf("request path = %q, want /hello", req.Path())
	}
	if req.Options.Has(message.URIHost) {
		t.Error("literal target sent a Uri-Host option")
	}
	if want := netip.MustParseAddrPort("203.0.113.5:5683"); req.Addr != want {
		t.Errorf("request addr = %v, want %v", req.Addr, want)
	}

	resp := responseTo(req, message.Content)
	resp.Payload = []byte("world")
	s.Receive(resp)

	if e.Status() != StatusCompleted {
		t.Errorf("Status() = %s, want Completed", e.Status())
	}
	if string(e.ContentRaw()) != "world" {
		t.Errorf("ContentRaw() = %q, want world", e.ContentRaw())
	}

	time.Sleep(5 * testInterval)

	completed, _, timeouts := rec.counts()
	if completed != 1 {
		t.Errorf("completed fired %d times, want 1", completed)
	}
	if timeouts != 0 {
		t.Errorf("timeout fired %d times, want 0", timeouts)
	}
	if n := len(tr.Sent()); n != 1 {
		t.Errorf("sent %d datagrams, want 1 (no retransmission)", n)
	}

	want := []Status{StatusReady, StatusInProgress, StatusCompleted}
	got := rec.Statuses()
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("statuses[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestErrorResponseCompletes(t *testing.T) {
	s, tr := newTestStack(t)
	e := New(Config{Stack: s})
	rec := record(e)

	if err := e.SetTarget("coap://203.0.113.5/missing"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	s.Receive(responseTo(tr.Sent()[0], message.NotFound))

	if e.Status() != StatusCompleted {
		t.Errorf("Status() = %s, want Completed", e.Status())
	}
	if completed, _, _ := rec.counts(); completed != 1 {
		t.Errorf("completed fired %d times, want 1", completed)
	}
	if e.Response().Code != message.NotFound {
		t.Errorf("Response().Code = %s, want NotFound", e.Response().Code)
	}
}

func TestObservePersistence(t *testing.T) {
	s, tr := newTestStack(t)
	e := New(Config{Stack: s})
	rec := record(e)

	if err := e.SetTarget("coap://203.0.113.5/temp"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Observe(); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	req := tr.Sent()[0]
	if obs, ok := req.Observe(); !ok || obs != 0 {
		t.Fatalf("request Observe = %d, %v, want 0, true", obs, ok)
	}

	for i := 0; i < 3; i++ {
		n := responseTo(req, message.Content)
		if i > 0 {
			n.Type = message.NonConfirmable
			n.MessageID = req.MessageID + uint16(i)
		}
		n.SetObserve(uint32(i + 2))
		n.Payload = []byte{byte('a' + i)}
		s.Receive(n)

		if e.Status() != StatusInProgress {
			t.Fatalf("after notification %d Status() = %s, want InProgress", i+1, e.Status())
		}
	}

	completed, notifications, _ := rec.counts()
	if completed != 0 {
		t.Errorf("completed fired %d times, want 0", completed)
	}
	if notifications != 3 {
		t.Errorf("notifications = %d, want 3", notifications)
	}
	if string(e.ContentRaw()) != "c" {
		t.Errorf("ContentRaw() = %q, want latest notification", e.ContentRaw())
	}
	if !e.IsObserving() {
		t.Error("IsObserving() = false")
	}

	// Only the three responses were handled; no resets were sent.
	for _, m := range tr.Sent() {
		if m.Type == message.Reset {
			t.Errorf("sent reset for mid %d during observation", m.MessageID)
		}
	}

	if err := e.Unobserve(); err != nil {
		t.Fatalf("Unobserve() error = %v", err)
	}
	sent := tr.Sent()
	dereg := sent[len(sent)-1]
	if obs, ok := dereg.Observe(); !ok || obs != 1 {
		t.Errorf("deregistration Observe = %d, %v, want 1, true", obs, ok)
	}
	if !bytes.Equal(dereg.Token, req.Token) {
		t.Errorf("deregistration token = %x, want %x", dereg.Token, req.Token)
	}

	s.Receive(responseTo(dereg, message.Content))
	if e.Status() != StatusCompleted {
		t.Errorf("Status() after deregistration = %s, want Completed", e.Status())
	}
}

func TestRetransmitTimeout(t *testing.T) {
	s, tr := newTestStack(t)
	e := New(Config{Stack: s})
	rec := record(e)

	if err := e.SetTarget("coap://203.0.113.5/slow"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	waitFor(t, "TimedOut", func() bool { return e.Status() == StatusTimedOut })
	time.Sleep(3 * testInterval)

	if n := len(tr.Sent()); n != stack.DefaultMaxTransmissions {
		t.Errorf("sent %d datagrams, want %d", n, stack.DefaultMaxTransmissions)
	}
	if _, _, timeouts := rec.counts(); timeouts != 1 {
		t.Errorf("timeout fired %d times, want 1", timeouts)
	}
	if s.ActiveTokens() != 0 {
		t.Errorf("ActiveTokens() = %d, want 0", s.ActiveTokens())
	}

	// TimedOut may start a new request.
	if err := e.Get(); err != nil {
		t.Fatalf("Get() after timeout error = %v", err)
	}
	if e.Status() != StatusInProgress {
		t.Errorf("Status() = %s, want InProgress", e.Status())
	}
}

func TestGetWhileInProgress(t *testing.T) {
	s, tr := newTestStack(t)
	e := New(Config{Stack: s})

	if err := e.SetTarget("coap://203.0.113.5/x"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := e.Get(); err != ErrInProgress {
		t.Errorf("second Get() error = %v, want %v", err, ErrInProgress)
	}
	if err := e.Observe(); err != ErrInProgress {
		t.Errorf("Observe() error = %v, want %v", err, ErrInProgress)
	}
	if err := e.SetTarget("coap://203.0.113.6/y"); err != ErrInProgress {
		t.Errorf("SetTarget() error = %v, want %v", err, ErrInProgress)
	}
	if n := len(tr.Sent()); n != 1 {
		t.Errorf("sent %d datagrams, want 1", n)
	}
	if got := e.Target(); got != "coap://203.0.113.5/x" {
		t.Errorf("Target() = %q, want unchanged", got)
	}
}

func TestLookupQueuesRequest(t *testing.T) {
	s, tr := newTestStack(t)
	res := &fakeResolver{
		addrs:   []netip.Addr{netip.MustParseAddr("2001:db8::5"), netip.MustParseAddr("198.51.100.9")},
		release: make(chan struct{}),
	}
	e := New(Config{Stack: s, Resolver: res})

	if err := e.SetTarget("coap://sensor.example:6000/temp"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if e.Status() != StatusLookup {
		t.Fatalf("Status() = %s, want Lookup", e.Status())
	}
	if err := e.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if e.Status() != StatusLookup {
		t.Errorf("Status() = %s, want Lookup while resolving", e.Status())
	}
	if n := len(tr.Sent()); n != 0 {
		t.Fatalf("sent %d datagrams before lookup finished", n)
	}

	close(res.release)
	waitFor(t, "request after lookup", func() bool { return len(tr.Sent()) == 1 })

	if e.Status() != StatusInProgress {
		t.Errorf("Status() = %s, want InProgress", e.Status())
	}
	req := tr.Sent()[0]
	if want := netip.MustParseAddrPort("198.51.100.9:6000"); req.Addr != want {
		t.Errorf("request addr = %v, want %v", req.Addr, want)
	}
	if host, ok := req.Options.Get(message.URIHost); !ok || string(host) != "sensor.example" {
		t.Errorf("Uri-Host = %q, want sensor.example", host)
	}
}

func TestLookupWithoutRequestSettlesReady(t *testing.T) {
	s, tr := newTestStack(t)
	res := &fakeResolver{addrs: []netip.Addr{netip.MustParseAddr("198.51.100.9")}}
	e := New(Config{Stack: s, Resolver: res})

	if err := e.SetTarget("sensor.example/temp"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	waitFor(t, "Ready", func() bool { return e.Status() == StatusReady })

	if n := len(tr.Sent()); n != 0 {
		t.Errorf("sent %d datagrams, want 0", n)
	}
	if want := netip.MustParseAddrPort("198.51.100.9:5683"); e.Addr() != want {
		t.Errorf("Addr() = %v, want %v", e.Addr(), want)
	}
}

func TestLookupFailure(t *testing.T) {
	s, tr := newTestStack(t)
	res := &fakeResolver{err: errors.New("no such host")}
	e := New(Config{Stack: s, Resolver: res})
	rec := record(e)

	if err := e.SetTarget("coap://nowhere.invalid/x"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	waitFor(t, "LookupFailed", func() bool { return e.Status() == StatusLookupFailed })

	if n := len(tr.Sent()); n != 0 {
		t.Errorf("sent %d datagrams, want 0", n)
	}
	got := rec.Statuses()
	if len(got) != 2 || got[0] != StatusLookup || got[1] != StatusLookupFailed {
		t.Errorf("statuses = %v, want [Lookup LookupFailed]", got)
	}
	if err := e.Get(); !errors.Is(err, ErrLookupFailed) {
		t.Errorf("Get() after failed lookup error = %v, want %v", err, ErrLookupFailed)
	}
	if err := e.Observe(); !errors.Is(err, ErrLookupFailed) {
		t.Errorf("Observe() after failed lookup error = %v, want %v", err, ErrLookupFailed)
	}

	// A new target clears the failure.
	if err := e.SetTarget("coap://192.0.2.7/x"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Get(); err != nil {
		t.Fatalf("Get() after new target error = %v", err)
	}
	if n := len(tr.Sent()); n != 1 {
		t.Errorf("sent %d datagrams, want 1", n)
	}
}

func TestLookupSupersededByNewTarget(t *testing.T) {
	s, _ := newTestStack(t)
	res := &fakeResolver{
		addrs:   []netip.Addr{netip.MustParseAddr("198.51.100.9")},
		release: make(chan struct{}),
	}
	e := New(Config{Stack: s, Resolver: res})

	if err := e.SetTarget("coap://slow.example/x"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.SetTarget("coap://192.0.2.44/y"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if e.Status() != StatusReady {
		t.Fatalf("Status() = %s, want Ready", e.Status())
	}

	close(res.release)
	time.Sleep(10 * time.Millisecond)

	if want := netip.MustParseAddrPort("192.0.2.44:5683"); e.Addr() != want {
		t.Errorf("Addr() = %v, want %v (stale lookup applied)", e.Addr(), want)
	}
	if e.Status() != StatusReady {
		t.Errorf("Status() = %s, want Ready", e.Status())
	}
}

func TestLookupTimeout(t *testing.T) {
	s, _ := newTestStack(t)
	res := &fakeResolver{release: make(chan struct{})}
	e := New(Config{Stack: s, Resolver: res, LookupTimeout: 10 * time.Millisecond})

	if err := e.SetTarget("coap://hang.example/x"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	waitFor(t, "LookupFailed", func() bool { return e.Status() == StatusLookupFailed })
}

func TestQueuedBeforeTarget(t *testing.T) {
	s, tr := newTestStack(t)
	e := New(Config{Stack: s})

	if err := e.Observe(); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if e.Status() != StatusInitial {
		t.Fatalf("Status() = %s, want Initial", e.Status())
	}

	if err := e.SetTarget("coap://203.0.113.5/temp"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if e.Status() != StatusInProgress {
		t.Errorf("Status() = %s, want InProgress", e.Status())
	}
	sent := tr.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(sent))
	}
	if _, ok := sent[0].Observe(); !ok {
		t.Error("queued observe sent without Observe option")
	}
}

func TestCancel(t *testing.T) {
	s, tr := newTestStack(t)
	e := New(Config{Stack: s})

	if err := e.SetTarget("coap://203.0.113.5/x"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	e.Cancel()
	if e.Status() != StatusReady {
		t.Errorf("Status() = %s, want Ready", e.Status())
	}
	if s.ActiveTokens() != 0 || s.PendingRetransmits() != 0 {
		t.Errorf("ActiveTokens() = %d, PendingRetransmits() = %d, want 0, 0", s.ActiveTokens(), s.PendingRetransmits())
	}

	time.Sleep(5 * testInterval)
	if n := len(tr.Sent()); n != 1 {
		t.Errorf("sent %d datagrams after Cancel, want 1", n)
	}

	// Cancelling twice is harmless.
	e.Cancel()
}

func TestNilStack(t *testing.T) {
	e := New(Config{})
	if err := e.SetTarget("coap://203.0.113.5/x"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Get(); err != ErrNoStack {
		t.Errorf("Get() error = %v, want %v", err, ErrNoStack)
	}
	if err := e.Observe(); err != ErrNoStack {
		t.Errorf("Observe() error = %v, want %v", err, ErrNoStack)
	}
	if e.Status() != StatusReady {
		t.Errorf("Status() = %s, want Ready", e.Status())
	}
}

func TestContent(t *testing.T) {
	s, tr := newTestStack(t)
	e := New(Config{Stack: s})

	if e.Content() != nil {
		t.Error("Content() before any response != nil")
	}

	if err := e.SetTarget("coap://203.0.113.5/state"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	resp := responseTo(tr.Sent()[0], message.Content)
	resp.SetContentFormat(message.AppJSON)
	resp.Payload = []byte(`{"on":true}`)
	s.Receive(resp)

	v, ok := e.Content().(map[string]any)
	if !ok {
		t.Fatalf("Content() = %T, want map[string]any", e.Content())
	}
	if v["on"] != true {
		t.Errorf("Content()[on] = %v, want true", v["on"])
	}

	// Unknown content format yields nil.
	if err := e.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	sent := tr.Sent()
	resp = responseTo(sent[len(sent)-1], message.Content)
	resp.SetContentFormat(message.AppEXI)
	resp.Payload = []byte{0x80}
	s.Receive(resp)

	if got := e.Content(); got != nil {
		t.Errorf("Content() = %v, want nil for unknown format", got)
	}
	if !bytes.Equal(e.ContentRaw(), []byte{0x80}) {
		t.Errorf("ContentRaw() = %x, want 80", e.ContentRaw())
	}
}

func TestDeleteAfterComplete(t *testing.T) {
	s, tr := newTestStack(t)
	e := New(Config{Stack: s})
	e.DeleteAfterComplete()

	if err := e.SetTarget("coap://203.0.113.5/x"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	s.Receive(responseTo(tr.Sent()[0], message.Content))

	if e.Status() != StatusCompleted {
		t.Errorf("Status() = %s, want Completed", e.Status())
	}
	if err := e.Get(); err != ErrClosed {
		t.Errorf("Get() after auto close error = %v, want %v", err, ErrClosed)
	}
}

func TestCallbacksSeePostTransitionState(t *testing.T) {
	s, tr := newTestStack(t)
	e := New(Config{Stack: s})

	var mu sync.Mutex
	var mismatches []string
	e.OnStatusChanged(func(st Status) {
		// Re-entering the exchange here must not deadlock.
		if got := e.Status(); got != st {
			mu.Lock()
			mismatches = append(mismatches, got.String()+"!="+st.String())
			mu.Unlock()
		}
	})
	e.OnCompleted(func(*message.Message) {
		if got := e.Status(); got != StatusCompleted {
			mu.Lock()
			mismatches = append(mismatches, "completed in "+got.String())
			mu.Unlock()
		}
	})

	if err := e.SetTarget("coap://203.0.113.5/x"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	s.Receive(responseTo(tr.Sent()[0], message.Content))

	mu.Lock()
	defer mu.Unlock()
	if len(mismatches) > 0 {
		t.Errorf("callbacks saw stale state: %v", mismatches)
	}
}

func TestCloseWhileInProgress(t *testing.T) {
	s, tr := newTestStack(t)
	e := New(Config{Stack: s})
	rec := record(e)

	if err := e.SetTarget("coap://203.0.113.5/x"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	req := tr.Sent()[0]

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.ActiveTokens() != 0 {
		t.Errorf("ActiveTokens() = %d, want 0", s.ActiveTokens())
	}

	// A late response is now stray and answered with a reset.
	s.Receive(responseTo(req, message.Content))
	sent := tr.Sent()
	if last := sent[len(sent)-1]; last.Type != message.Reset {
		t.Errorf("last sent = %s, want RST", last)
	}
	if completed, _, _ := rec.counts(); completed != 0 {
		t.Errorf("completed fired %d times after Close, want 0", completed)
	}
}

func TestTargetChangedCallback(t *testing.T) {
	e := New(Config{})
	rec := record(e)

	if err := e.SetTarget("203.0.113.5:7000/a?b=c"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.SetTarget("coaps://203.0.113.5/"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("SetTarget(coaps) error = %v, want %v", err, ErrUnsupportedScheme)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.targets) != 1 || rec.targets[0] != "coap://203.0.113.5:7000/a?b=c" {
		t.Errorf("targets = %v, want [coap://203.0.113.5:7000/a?b=c]", rec.targets)
	}
}

func TestPeerResetEndsRequest(t *testing.T) {
	s, tr := newTestStack(t)
	e := New(Config{Stack: s})
	rec := record(e)

	if err := e.SetTarget("coap://203.0.113.5/hello"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	req := tr.Sent()[0]

	s.Receive(&message.Message{Type: message.Reset, Code: message.Empty, MessageID: req.MessageID, Addr: req.Addr})

	if e.Status() != StatusReady {
		t.Fatalf("Status() = %s, want Ready", e.Status())
	}
	completed, _, timeouts := rec.counts()
	if completed != 0 || timeouts != 0 {
		t.Errorf("completed = %d, timeouts = %d after reset, want 0, 0", completed, timeouts)
	}
	if s.ActiveTokens() != 0 || s.PendingRetransmits() != 0 {
		t.Errorf("ActiveTokens() = %d, PendingRetransmits() = %d, want 0, 0", s.ActiveTokens(), s.PendingRetransmits())
	}

	time.Sleep(5 * testInterval)
	if n := len(tr.Sent()); n != 1 {
		t.Errorf("sent %d datagrams after reset, want 1", n)
	}

	if err := e.Get(); err != nil {
		t.Fatalf("Get() after reset error = %v", err)
	}
	if e.Status() != StatusInProgress {
		t.Errorf("Status() = %s, want InProgress", e.Status())
	}
}

func TestPeerResetEndsObservation(t *testing.T) {
	s, tr := newTestStack(t)
	e := New(Config{Stack: s})
	e.DeleteAfterComplete()

	if err := e.SetTarget("coap://203.0.113.5/temp"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Observe(); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	req := tr.Sent()[0]

	s.Receive(&message.Message{Type: message.Reset, Code: message.Empty, MessageID: req.MessageID, Addr: req.Addr})

	if e.IsObserving() {
		t.Error("IsObserving() = true after reset")
	}
	if err := e.Get(); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() error = %v, want %v after delete-after-complete", err, ErrClosed)
	}
}

func TestEmptyAckWithoutSeparateResponseTimesOut(t *testing.T) {
	tr := &recordingTransport{}
	s, err := stack.New(stack.Config{Transport: tr, AckTimeout: testInterval, SeparateTimeout: 3 * testInterval})
	if err != nil {
		t.Fatalf("stack.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	e := New(Config{Stack: s})
	rec := record(e)
	if err := e.SetTarget("coap://203.0.113.5/slow"); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := e.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	req := tr.Sent()[0]

	s.Receive(&message.Message{Type: message.Acknowledgement, Code: message.Empty, MessageID: req.MessageID, Addr: req.Addr})
	if e.Status() != StatusInProgress {
		t.Fatalf("Status() = %s after empty ACK, want InProgress", e.Status())
	}

	waitFor(t, "TimedOut", func() bool { return e.Status() == StatusTimedOut })
	if _, _, timeouts := rec.counts(); timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", timeouts)
	}
	if n := len(tr.Sent()); n != 1 {
		t.Errorf("sent %d datagrams, want 1", n)
	}
	if s.ActiveTokens() != 0 {
		t.Errorf("ActiveTokens() = %d, want 0", s.ActiveTokens())
	}
}
