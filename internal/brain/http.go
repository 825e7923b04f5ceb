package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

// HTTPResponder forwards turns to an inference endpoint speaking a small JSON
// contract: POST the Request, receive {"text": ..., "mood": ...}. Replies
// without a mood tag get one from the keyword classifier.
type HTTPResponder struct {
	url    string
	client *http.Client
	loaded atomic.Bool
}

func NewHTTPResponder(rawURL string) *HTTPResponder {
	return &HTTPResponder{
		url: strings.TrimSpace(rawURL),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (r *HTTPResponder) Load(_ context.Context) error {
	u, err := url.Parse(r.url)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid responder url %q", r.url)
	}
	r.loaded.Store(true)
	return nil
}

type httpReplyPayload struct {
	Text  string `json:"text"`
	Reply string `json:"reply"`
	Mood  string `json:"mood"`
}

func (r *HTTPResponder) Respond(ctx context.Context, req Request) (Reply, error) {
	if !r.loaded.Load() {
		return Reply{}, ErrNotReady
	}
	if strings.TrimSpace(req.InputText) == "" {
		return Reply{}, ErrEmptyInput
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return Reply{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := r.client.Do(httpReq)
	if err != nil {
		return Reply{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Reply{}, fmt.Errorf("responder http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Reply{}, fmt.Errorf("read response: %w", err)
	}

	var out httpReplyPayload
	if err := json.Unmarshal(body, &out); err != nil {
		// Some endpoints answer with bare text.
		text := strings.TrimSpace(string(body))
		if text == "" {
			return Reply{}, ErrEmptyReply
		}
		return Reply{Text: text, Mood: ClassifyMood(req.InputText, text)}, nil
	}

	text := strings.TrimSpace(out.Text)
	if text == "" {
		text = strings.TrimSpace(out.Reply)
	}
	if text == "" {
		return Reply{}, ErrEmptyReply
	}

	mood := strings.TrimSpace(out.Mood)
	if mood == "" {
		mood = ClassifyMood(req.InputText, text)
	}
	return Reply{Text: text, Mood: mood}, nil
}
