package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/nobu-bridge/internal/archive"
	"github.com/ent0n29/nobu-bridge/internal/brain"
	"github.com/ent0n29/nobu-bridge/internal/observability"
	"github.com/ent0n29/nobu-bridge/internal/protocol"
	"github.com/ent0n29/nobu-bridge/internal/session"
	"github.com/ent0n29/nobu-bridge/internal/voice"
)

const (
	defaultWelcomeText = "Hi, I'm Nobu. I'm listening."
	historyLimit       = 8
	archiveTimeout     = 2 * time.Second
)

// Config bounds each pipeline stage and shapes the welcome reply.
type Config struct {
	WelcomeText       string
	TranscribeTimeout time.Duration
	RespondTimeout    time.Duration
	SynthesizeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.WelcomeText) == "" {
		c.WelcomeText = defaultWelcomeText
	}
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = 15 * time.Second
	}
	if c.RespondTimeout <= 0 {
		c.RespondTimeout = 30 * time.Second
	}
	if c.SynthesizeTimeout <= 0 {
		c.SynthesizeTimeout = 20 * time.Second
	}
}

// Orchestrator owns turn-taking for device connections. One RunConnection
// call serves one websocket; sessions are shared across connections through
// the session store, which is re-queried by device ID at every step so no
// stale session object is ever acted on.
type Orchestrator struct {
	sessions    *session.Store
	transcriber voice.Transcriber
	responder   brain.Responder
	synthesizer voice.Synthesizer
	archiveSink archive.Store
	metrics     *observability.Metrics
	cfg         Config
}

func New(
	sessions *session.Store,
	transcriber voice.Transcriber,
	responder brain.Responder,
	synthesizer voice.Synthesizer,
	archiveSink archive.Store,
	metrics *observability.Metrics,
	cfg Config,
) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		sessions:    sessions,
		transcriber: transcriber,
		responder:   responder,
		synthesizer: synthesizer,
		archiveSink: archiveSink,
		metrics:     metrics,
		cfg:         cfg,
	}
}

// turnInput is the accepted inbound event that opened a turn. Exactly one of
// text or pcm is set.
type turnInput struct {
	text string
	pcm  []byte
}

// RunConnection drives one device connection until the context is cancelled
// or the inbound channel closes. The inbound loop never blocks on pipeline
// work: turns run in their own goroutine and concurrent turn attempts are
// rejected immediately with a busy error.
func (o *Orchestrator) RunConnection(ctx context.Context, inbound <-chan any, outbound chan<- any) error {
	var (
		deviceID string
		wg       sync.WaitGroup
	)
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case protocol.Hello:
				deviceID = m.DeviceID
				o.handleHello(ctx, m, outbound)
			case protocol.TextInput:
				if deviceID == "" {
					o.send(ctx, outbound, protocol.NewError(protocol.ErrMsgNotRegistered))
					continue
				}
				text := strings.TrimSpace(m.Text)
				if text == "" {
					o.send(ctx, outbound, protocol.NewError(protocol.ErrMsgEmptyText))
					continue
				}
				o.startTurn(ctx, &wg, deviceID, session.StateAwaitingResponse, turnInput{text: text}, outbound)
			case protocol.AudioInput:
				if deviceID == "" {
					o.send(ctx, outbound, protocol.NewError(protocol.ErrMsgNotRegistered))
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(m.Data)
				if err != nil || len(pcm) == 0 {
					o.send(ctx, outbound, protocol.NewError(protocol.ErrMsgMissingAudioData))
					continue
				}
				o.startTurn(ctx, &wg, deviceID, session.StateAwaitingTranscript, turnInput{pcm: pcm}, outbound)
			default:
				o.send(ctx, outbound, protocol.NewError(protocol.ErrMsgUnsupportedType))
			}
		}
	}
}

// handleHello registers the device and greets it. Re-registration is
// idempotent: location is last-write-wins, history and mood survive. A hello
// mid-turn is allowed because it does not open a turn.
func (o *Orchestrator) handleHello(ctx context.Context, m protocol.Hello, outbound chan<- any) {
	sess := o.sessions.Upsert(m.DeviceID, m.Location)
	o.metrics.SessionEvents.WithLabelValues("registered").Inc()
	o.metrics.ActiveSessions.Set(float64(o.sessions.Count()))

	if !o.send(ctx, outbound, protocol.Ack{Type: protocol.TypeAck, DeviceID: m.DeviceID}) {
		return
	}
	o.send(ctx, outbound, protocol.Response{
		Type: protocol.TypeResponse,
		Mood: sess.CurrentMood,
		Text: o.cfg.WelcomeText,
	})
}

func (o *Orchestrator) startTurn(
	ctx context.Context,
	wg *sync.WaitGroup,
	deviceID string,
	initial session.TurnState,
	in turnInput,
	outbound chan<- any,
) {
	turnID, err := o.sessions.BeginTurn(deviceID, initial)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrBusy):
			o.metrics.BusyRejections.Inc()
			o.send(ctx, outbound, protocol.NewError(protocol.ErrMsgBusy))
		case errors.Is(err, session.ErrNotFound):
			o.send(ctx, outbound, protocol.NewError(protocol.ErrMsgNotRegistered))
		default:
			log.Printf("begin turn for %s: %v", deviceID, err)
			o.send(ctx, outbound, protocol.NewError(protocol.ErrMsgResponseFailed))
		}
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.runTurn(ctx, deviceID, turnID, in, outbound)
	}()
}

// runTurn executes one transcribe -> respond -> synthesize pipeline. Whatever
// happens, the deferred EndTurn returns the session to idle so the next turn
// can proceed; if the connection died mid-turn the result is discarded.
func (o *Orchestrator) runTurn(ctx context.Context, deviceID, turnID string, in turnInput, outbound chan<- any) {
	defer o.sessions.EndTurn(deviceID, turnID)

	userText := in.text
	if in.pcm != nil {
		text, ok := o.transcribeStage(ctx, deviceID, in.pcm, outbound)
		if !ok {
			return
		}
		userText = text
		if err := o.sessions.AdvanceTurn(deviceID, turnID, session.StateAwaitingTranscript, session.StateAwaitingResponse); err != nil {
			return
		}
	}

	// Re-fetch by key: session may have been mutated by a concurrent hello.
	sess, err := o.sessions.Get(deviceID)
	if err != nil {
		return
	}

	reply, ok := o.respondStage(ctx, *sess, userText, outbound)
	if !ok {
		return
	}
	if err := o.sessions.AdvanceTurn(deviceID, turnID, session.StateAwaitingResponse, session.StateAwaitingSynthesis); err != nil {
		return
	}

	resp, outcome := o.synthesizeStage(ctx, reply)
	if !o.send(ctx, outbound, resp) {
		// Connection gone; discard the result.
		o.metrics.TurnsCompleted.WithLabelValues("discarded").Inc()
		return
	}

	now := time.Now().UTC()
	_ = o.sessions.AppendTurn(deviceID, session.TurnRecord{Role: "user", Text: userText, Timestamp: now})
	_ = o.sessions.AppendTurn(deviceID, session.TurnRecord{Role: "assistant", Text: reply.Text, Mood: reply.Mood, Timestamp: now})
	o.archiveTurnBestEffort(deviceID, turnID, userText, reply)

	o.metrics.TurnsCompleted.WithLabelValues(outcome).Inc()
}

func (o *Orchestrator) transcribeStage(ctx context.Context, deviceID string, pcm []byte, outbound chan<- any) (string, bool) {
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.TranscribeTimeout)
	defer cancel()

	start := time.Now()
	text, err := o.transcriber.Transcribe(stageCtx, pcm)
	o.metrics.ObserveStage("transcribe", time.Since(start))

	if err != nil || strings.TrimSpace(text) == "" {
		reason := "empty_transcript"
		if err != nil {
			reason = failureReason(err)
			log.Printf("transcribe for %s: %v", deviceID, err)
		}
		o.metrics.StageFailures.WithLabelValues("transcribe", reason).Inc()
		o.metrics.TurnsCompleted.WithLabelValues("transcribe_failed").Inc()
		o.send(ctx, outbound, protocol.NewError(protocol.ErrMsgTranscriptFailed))
		return "", false
	}
	return strings.TrimSpace(text), true
}

func (o *Orchestrator) respondStage(ctx context.Context, sess session.Session, userText string, outbound chan<- any) (brain.Reply, bool) {
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.RespondTimeout)
	defer cancel()

	req := brain.Request{
		DeviceID:     sess.DeviceID,
		Location:     sess.Location,
		InputText:    userText,
		CurrentMood:  sess.CurrentMood,
		Conversation: historyLines(sess.Conversation),
	}

	start := time.Now()
	reply, err := o.responder.Respond(stageCtx, req)
	o.metrics.ObserveStage("respond", time.Since(start))

	if err != nil || strings.TrimSpace(reply.Text) == "" {
		reason := "empty_reply"
		if err != nil {
			reason = failureReason(err)
			log.Printf("respond for %s: %v", sess.DeviceID, err)
		}
		o.metrics.StageFailures.WithLabelValues("respond", reason).Inc()
		o.metrics.TurnsCompleted.WithLabelValues("respond_failed").Inc()
		o.send(ctx, outbound, protocol.NewError(protocol.ErrMsgResponseFailed))
		return brain.Reply{}, false
	}
	if strings.TrimSpace(reply.Mood) == "" {
		reply.Mood = brain.ClassifyMood(userText, reply.Text)
	}
	return reply, true
}

// synthesizeStage never fails the turn: a broken synthesizer degrades the
// reply to text-only so the device still gets its answer.
func (o *Orchestrator) synthesizeStage(ctx context.Context, reply brain.Reply) (protocol.Response, string) {
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.SynthesizeTimeout)
	defer cancel()

	resp := protocol.Response{
		Type: protocol.TypeResponse,
		Mood: reply.Mood,
		Text: reply.Text,
	}

	start := time.Now()
	audioBytes, format, err := o.synthesizer.Synthesize(stageCtx, reply.Text)
	o.metrics.ObserveStage("synthesize", time.Since(start))

	if err != nil || len(audioBytes) == 0 {
		reason := "empty_audio"
		if err != nil {
			reason = failureReason(err)
			log.Printf("synthesize: %v", err)
		}
		o.metrics.StageFailures.WithLabelValues("synthesize", reason).Inc()
		return resp, "degraded_text_only"
	}

	resp.AudioBase64 = base64.StdEncoding.EncodeToString(audioBytes)
	resp.AudioFormat = format
	return resp, "completed"
}

func (o *Orchestrator) archiveTurnBestEffort(deviceID, turnID, userText string, reply brain.Reply) {
	if o.archiveSink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		records := []archive.TurnRecord{
			{DeviceID: deviceID, TurnID: turnID, Role: "user", Text: userText},
			{DeviceID: deviceID, TurnID: turnID, Role: "assistant", Text: reply.Text, Mood: reply.Mood},
		}
		for _, r := range records {
			if err := o.archiveSink.SaveTurn(ctx, r); err != nil {
				log.Printf("archive turn for %s: %v", deviceID, err)
				return
			}
		}
	}()
}

// send delivers a message unless the connection context is already dead.
func (o *Orchestrator) send(ctx context.Context, outbound chan<- any, msg any) bool {
	select {
	case outbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func historyLines(conv []session.TurnRecord) []string {
	if len(conv) == 0 {
		return nil
	}
	if len(conv) > historyLimit {
		conv = conv[len(conv)-historyLimit:]
	}
	lines := make([]string, 0, len(conv))
	for _, r := range conv {
		lines = append(lines, fmt.Sprintf("%s: %s", r.Role, r.Text))
	}
	return lines
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, voice.ErrNotReady), errors.Is(err, brain.ErrNotReady):
		return "not_ready"
	default:
		return "error"
	}
}
