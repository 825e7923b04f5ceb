package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/nobu-bridge/internal/brain"
	"github.com/ent0n29/nobu-bridge/internal/observability"
	"github.com/ent0n29/nobu-bridge/internal/protocol"
	"github.com/ent0n29/nobu-bridge/internal/session"
)

type fakeTranscriber struct {
	mu   sync.Mutex
	text string
	err  error
	gate chan struct{} // when set, Transcribe blocks until closed
}

func (f *fakeTranscriber) Load(context.Context) error { return nil }

func (f *fakeTranscriber) Transcribe(ctx context.Context, _ []byte) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text, f.err
}

type fakeResponder struct {
	mu    sync.Mutex
	reply brain.Reply
	err   error
	gate  chan struct{}
	seen  []brain.Request
}

func (f *fakeResponder) Load(context.Context) error { return nil }

func (f *fakeResponder) Respond(ctx context.Context, req brain.Request) (brain.Reply, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return brain.Reply{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, req)
	if f.err != nil {
		return brain.Reply{}, f.err
	}
	reply := f.reply
	if reply.Text == "" {
		reply = brain.Reply{Text: "echo: " + req.InputText, Mood: brain.MoodNeutral}
	}
	return reply, nil
}

func (f *fakeResponder) requests() []brain.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]brain.Request, len(f.seen))
	copy(out, f.seen)
	return out
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	audio []byte
	err   error
}

func (f *fakeSynthesizer) Load(context.Context) error { return nil }

func (f *fakeSynthesizer) Synthesize(_ context.Context, text string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, "", f.err
	}
	if f.audio != nil {
		return f.audio, "wav", nil
	}
	return []byte("audio:" + text), "wav", nil
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("nobu_test_%d", time.Now().UnixNano()))
}

type rig struct {
	orch     *Orchestrator
	store    *session.Store
	inbound  chan any
	outbound chan any
	cancel   context.CancelFunc
	done     chan struct{}
}

func startRig(t *testing.T, tr *fakeTranscriber, rs *fakeResponder, sy *fakeSynthesizer) *rig {
	t.Helper()
	store := session.NewStore(time.Minute, 20)
	orch := New(store, tr, rs, sy, nil, testMetrics(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan any, 16)
	outbound := make(chan any, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.RunConnection(ctx, inbound, outbound)
	}()

	r := &rig{orch: orch, store: store, inbound: inbound, outbound: outbound, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func (r *rig) recv(t *testing.T) any {
	t.Helper()
	select {
	case msg := <-r.outbound:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func (r *rig) hello(t *testing.T, deviceID, location string) {
	t.Helper()
	r.inbound <- protocol.Hello{Type: protocol.TypeHello, DeviceID: deviceID, Location: location}
	if ack, ok := r.recv(t).(protocol.Ack); !ok || ack.DeviceID != deviceID {
		t.Fatalf("expected ack for %s, got %#v", deviceID, ack)
	}
	if welcome, ok := r.recv(t).(protocol.Response); !ok || welcome.Text == "" {
		t.Fatalf("expected welcome response, got %#v", welcome)
	}
}

func TestTextTurnFullPipeline(t *testing.T) {
	rs := &fakeResponder{reply: brain.Reply{Text: "It is sunny today!", Mood: brain.MoodHappy}}
	r := startRig(t, &fakeTranscriber{}, rs, &fakeSynthesizer{})
	r.hello(t, "nobu-01", "kitchen")

	r.inbound <- protocol.TextInput{Type: protocol.TypeText, Text: "what's the weather?"}

	resp, ok := r.recv(t).(protocol.Response)
	if !ok {
		t.Fatalf("expected response, got %T", resp)
	}
	if resp.Text != "It is sunny today!" || resp.Mood != brain.MoodHappy {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.AudioBase64 == "" || resp.AudioFormat != "wav" {
		t.Fatalf("expected synthesized audio, got %+v", resp)
	}

	reqs := rs.requests()
	if len(reqs) != 1 || reqs[0].Location != "kitchen" || reqs[0].InputText != "what's the weather?" {
		t.Fatalf("unexpected responder request: %+v", reqs)
	}

	waitForIdle(t, r.store, "nobu-01")
	sess, err := r.store.Get("nobu-01")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(sess.Conversation) != 2 {
		t.Fatalf("conversation length = %d, want 2", len(sess.Conversation))
	}
	if sess.CurrentMood != brain.MoodHappy {
		t.Fatalf("CurrentMood = %q, want happy", sess.CurrentMood)
	}
}

func TestAudioTurnGoesThroughTranscription(t *testing.T) {
	tr := &fakeTranscriber{text: "turn on the lights"}
	rs := &fakeResponder{}
	r := startRig(t, tr, rs, &fakeSynthesizer{})
	r.hello(t, "nobu-01", "garage")

	r.inbound <- protocol.AudioInput{
		Type: protocol.TypeAudio,
		Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}),
	}

	resp, ok := r.recv(t).(protocol.Response)
	if !ok || !strings.Contains(resp.Text, "turn on the lights") {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestBusyRejectionLeavesInFlightTurnIntact(t *testing.T) {
	gate := make(chan struct{})
	rs := &fakeResponder{reply: brain.Reply{Text: "slow answer", Mood: brain.MoodNeutral}, gate: gate}
	r := startRig(t, &fakeTranscriber{}, rs, &fakeSynthesizer{})
	r.hello(t, "nobu-01", "kitchen")

	r.inbound <- protocol.TextInput{Type: protocol.TypeText, Text: "first"}
	waitForState(t, r.store, "nobu-01", session.StateAwaitingResponse)

	r.inbound <- protocol.TextInput{Type: protocol.TypeText, Text: "second"}
	errEvt, ok := r.recv(t).(protocol.ErrorEvent)
	if !ok || errEvt.Message != protocol.ErrMsgBusy {
		t.Fatalf("expected busy error, got %#v", errEvt)
	}

	close(gate)
	resp, ok := r.recv(t).(protocol.Response)
	if !ok || resp.Text != "slow answer" {
		t.Fatalf("first turn's reply lost: %#v", resp)
	}
}

func TestTranscriberFailureResetsToIdle(t *testing.T) {
	tr := &fakeTranscriber{err: errors.New("decoder exploded")}
	r := startRig(t, tr, &fakeResponder{}, &fakeSynthesizer{})
	r.hello(t, "nobu-01", "kitchen")

	r.inbound <- protocol.AudioInput{
		Type: protocol.TypeAudio,
		Data: base64.StdEncoding.EncodeToString([]byte{9, 9}),
	}
	errEvt, ok := r.recv(t).(protocol.ErrorEvent)
	if !ok || errEvt.Message != protocol.ErrMsgTranscriptFailed {
		t.Fatalf("expected transcription_failed, got %#v", errEvt)
	}
	waitForIdle(t, r.store, "nobu-01")

	// Next turn proceeds immediately.
	tr.mu.Lock()
	tr.err = nil
	tr.text = "hello again"
	tr.mu.Unlock()
	r.inbound <- protocol.AudioInput{
		Type: protocol.TypeAudio,
		Data: base64.StdEncoding.EncodeToString([]byte{9, 9}),
	}
	if resp, ok := r.recv(t).(protocol.Response); !ok || resp.Text == "" {
		t.Fatalf("subsequent turn blocked: %#v", resp)
	}
}

func TestEmptyTranscriptIsAFailure(t *testing.T) {
	r := startRig(t, &fakeTranscriber{text: "   "}, &fakeResponder{}, &fakeSynthesizer{})
	r.hello(t, "nobu-01", "kitchen")

	r.inbound <- protocol.AudioInput{
		Type: protocol.TypeAudio,
		Data: base64.StdEncoding.EncodeToString([]byte{1}),
	}
	errEvt, ok := r.recv(t).(protocol.ErrorEvent)
	if !ok || errEvt.Message != protocol.ErrMsgTranscriptFailed {
		t.Fatalf("expected transcription_failed, got %#v", errEvt)
	}
}

func TestResponderFailureEmitsError(t *testing.T) {
	rs := &fakeResponder{err: errors.New("model timeout")}
	r := startRig(t, &fakeTranscriber{}, rs, &fakeSynthesizer{})
	r.hello(t, "nobu-01", "kitchen")

	r.inbound <- protocol.TextInput{Type: protocol.TypeText, Text: "hi"}
	errEvt, ok := r.recv(t).(protocol.ErrorEvent)
	if !ok || errEvt.Message != protocol.ErrMsgResponseFailed {
		t.Fatalf("expected response_failed, got %#v", errEvt)
	}

	waitForIdle(t, r.store, "nobu-01")
	sess, _ := r.store.Get("nobu-01")
	if len(sess.Conversation) != 0 {
		t.Fatalf("failed turn recorded in conversation: %+v", sess.Conversation)
	}
}

func TestSynthesizerFailureDegradesToTextOnly(t *testing.T) {
	sy := &fakeSynthesizer{err: errors.New("vocoder down")}
	rs := &fakeResponder{reply: brain.Reply{Text: "still talking", Mood: brain.MoodNeutral}}
	r := startRig(t, &fakeTranscriber{}, rs, sy)
	r.hello(t, "nobu-01", "kitchen")

	r.inbound <- protocol.TextInput{Type: protocol.TypeText, Text: "say something"}
	resp, ok := r.recv(t).(protocol.Response)
	if !ok {
		t.Fatalf("expected response, got %#v", resp)
	}
	if resp.Text != "still talking" || resp.Mood != brain.MoodNeutral {
		t.Fatalf("degraded response lost text/mood: %+v", resp)
	}
	if resp.AudioBase64 != "" || resp.AudioFormat != "" {
		t.Fatalf("degraded response should carry no audio: %+v", resp)
	}
}

func TestHelloIsIdempotent(t *testing.T) {
	rs := &fakeResponder{reply: brain.Reply{Text: "noted", Mood: brain.MoodHappy}}
	r := startRig(t, &fakeTranscriber{}, rs, &fakeSynthesizer{})
	r.hello(t, "nobu-01", "kitchen")

	r.inbound <- protocol.TextInput{Type: protocol.TypeText, Text: "remember this"}
	if _, ok := r.recv(t).(protocol.Response); !ok {
		t.Fatal("expected response for first turn")
	}
	waitForIdle(t, r.store, "nobu-01")

	r.hello(t, "nobu-01", "bedroom")
	sess, err := r.store.Get("nobu-01")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Location != "bedroom" {
		t.Fatalf("Location = %q, want bedroom", sess.Location)
	}
	if len(sess.Conversation) != 2 {
		t.Fatalf("conversation lost on re-hello: %d records", len(sess.Conversation))
	}
	if sess.CurrentMood != brain.MoodHappy {
		t.Fatalf("CurrentMood = %q, want happy", sess.CurrentMood)
	}
}

func TestTurnBeforeHelloRejected(t *testing.T) {
	r := startRig(t, &fakeTranscriber{}, &fakeResponder{}, &fakeSynthesizer{})

	r.inbound <- protocol.TextInput{Type: protocol.TypeText, Text: "anyone there?"}
	errEvt, ok := r.recv(t).(protocol.ErrorEvent)
	if !ok || errEvt.Message != protocol.ErrMsgNotRegistered {
		t.Fatalf("expected not_registered, got %#v", errEvt)
	}
}

func TestRepliesOrderedWithinDevice(t *testing.T) {
	r := startRig(t, &fakeTranscriber{}, &fakeResponder{}, &fakeSynthesizer{})
	r.hello(t, "nobu-01", "kitchen")

	for i := 0; i < 5; i++ {
		input := fmt.Sprintf("message %d", i)
		r.inbound <- protocol.TextInput{Type: protocol.TypeText, Text: input}
		resp, ok := r.recv(t).(protocol.Response)
		if !ok {
			t.Fatalf("turn %d: expected response, got %#v", i, resp)
		}
		if want := "echo: " + input; resp.Text != want {
			t.Fatalf("turn %d: reply %q does not match input, want %q", i, resp.Text, want)
		}
		waitForIdle(t, r.store, "nobu-01")
	}
}

func TestDevicesAreIsolated(t *testing.T) {
	store := session.NewStore(time.Minute, 20)
	orch := New(store, &fakeTranscriber{}, &fakeResponder{}, &fakeSynthesizer{}, nil, testMetrics(), Config{})

	runDevice := func(deviceID string, turns int) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		inbound := make(chan any, 8)
		outbound := make(chan any, 8)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = orch.RunConnection(ctx, inbound, outbound)
		}()
		defer func() {
			cancel()
			<-done
		}()

		recv := func() (any, error) {
			select {
			case msg := <-outbound:
				return msg, nil
			case <-time.After(2 * time.Second):
				return nil, fmt.Errorf("%s: timed out", deviceID)
			}
		}

		inbound <- protocol.Hello{Type: protocol.TypeHello, DeviceID: deviceID, Location: "room"}
		if _, err := recv(); err != nil {
			return err
		}
		if _, err := recv(); err != nil {
			return err
		}

		for i := 0; i < turns; i++ {
			input := fmt.Sprintf("%s says %d", deviceID, i)
			inbound <- protocol.TextInput{Type: protocol.TypeText, Text: input}
			msg, err := recv()
			if err != nil {
				return err
			}
			resp, ok := msg.(protocol.Response)
			if !ok {
				return fmt.Errorf("%s: unexpected message %#v", deviceID, msg)
			}
			if want := "echo: " + input; resp.Text != want {
				return fmt.Errorf("%s: reply %q, want %q", deviceID, resp.Text, want)
			}
			if err := waitForIdleErr(store, deviceID); err != nil {
				return err
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"nobu-01", "nobu-02"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			errs <- runDevice(id, 4)
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	for _, id := range []string{"nobu-01", "nobu-02"} {
		sess, err := store.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if len(sess.Conversation) != 8 {
			t.Fatalf("%s conversation length = %d, want 8", id, len(sess.Conversation))
		}
		for _, rec := range sess.Conversation {
			if rec.Role == "user" && !strings.HasPrefix(rec.Text, id+" says") {
				t.Fatalf("%s conversation contains foreign record %+v", id, rec)
			}
		}
	}
}

func TestConnectionDropMidTurnDiscardsResult(t *testing.T) {
	gate := make(chan struct{})
	rs := &fakeResponder{gate: gate}
	store := session.NewStore(time.Minute, 20)
	orch := New(store, &fakeTranscriber{}, rs, &fakeSynthesizer{}, nil, testMetrics(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan any, 8)
	outbound := make(chan any, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = orch.RunConnection(ctx, inbound, outbound)
	}()

	inbound <- protocol.Hello{Type: protocol.TypeHello, DeviceID: "nobu-01", Location: "kitchen"}
	<-outbound // ack
	<-outbound // welcome
	inbound <- protocol.TextInput{Type: protocol.TypeText, Text: "hi"}
	waitForState(t, store, "nobu-01", session.StateAwaitingResponse)

	// Connection dies while the responder is still working.
	cancel()
	close(gate)
	<-done

	waitForIdle(t, store, "nobu-01")
	sess, err := store.Get("nobu-01")
	if err != nil {
		t.Fatalf("session evicted on disconnect: %v", err)
	}
	if len(sess.Conversation) != 0 {
		t.Fatalf("discarded turn was recorded: %+v", sess.Conversation)
	}
}

func waitForState(t *testing.T, store *session.Store, deviceID string, want session.TurnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := store.Get(deviceID)
		if err == nil && sess.TurnState == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("device %s never reached state %q", deviceID, want)
}

func waitForIdle(t *testing.T, store *session.Store, deviceID string) {
	t.Helper()
	if err := waitForIdleErr(store, deviceID); err != nil {
		t.Fatal(err)
	}
}

func waitForIdleErr(store *session.Store, deviceID string) error {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := store.Get(deviceID)
		if err == nil && sess.TurnState == session.StateIdle {
			return nil
		}
		time.Sleep(2 * time.Millisecond)
	}
	return fmt.Errorf("device %s never returned to idle", deviceID)
}
