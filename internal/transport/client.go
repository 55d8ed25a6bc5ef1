// Package transport sends ask requests over HTTP and folds the streamed
// response into an answer.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"askbridge/internal/apierr"
	"askbridge/internal/challenge"
	"askbridge/internal/config"
	"askbridge/internal/correlation"
	"askbridge/internal/metrics"
	"askbridge/internal/query"
	"askbridge/internal/recorder"
	"askbridge/internal/session"
	"askbridge/internal/stream"

	"github.com/sirupsen/logrus"
)

const errBodyLimit = 64 << 10

// Request is one ask.
type Request struct {
	Query   string
	Options query.Options
	Session *session.Context
	// ContextUUID and LastBackendUUID thread a conversation.
	ContextUUID     string
	LastBackendUUID string
	Related         bool
}

// Response is a successfully read answer.
type Response struct {
	Answer stream.Answer
	Status int
	IDs    correlation.IDs
	// Session is the context the answer was obtained with; it differs from
	// the request's after a re-acquisition.
	Session   *session.Context
	Attempts  int
	Events    int
	TracePath string
	Elapsed   time.Duration
}

// Reacquirer replaces a context rejected with 401.
type Reacquirer func(ctx context.Context, stale *session.Context) (*session.Context, error)

// SleepFunc waits between retries; tests swap it out.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithLogger(log logrus.FieldLogger) Option { return func(c *Client) { c.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

func WithRecorder(r *recorder.Recorder) Option { return func(c *Client) { c.recorder = r } }

func WithReacquire(fn Reacquirer) Option { return func(c *Client) { c.reacquire = fn } }

func WithSleep(fn SleepFunc) Option { return func(c *Client) { c.sleep = fn } }

// Client is stateless per request and safe for concurrent use.
type Client struct {
	http       *http.Client
	askURL     string
	origin     string
	maxRetries int
	backoff    time.Duration
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
	recorder   *recorder.Recorder
	reacquire  Reacquirer
	sleep      SleepFunc
}

// New builds a client for the configured target.
func New(target config.TargetConfig, tc config.TransportConfig, opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{Timeout: tc.GetTimeout()},
		askURL:     target.AskURL(),
		origin:     strings.TrimRight(target.BaseURL, "/"),
		maxRetries: tc.GetMaxRetries(),
		backoff:    tc.GetBackoffBase(),
		log:        logrus.StandardLogger(),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "transport")
	return c
}

// Send posts the request. A 401 triggers at most one re-acquisition.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, apierr.New(apierr.KindInvalidParameter, "transport.send", "empty query")
	}
	if err := req.Options.Validate(); err != nil {
		return nil, err
	}
	if req.Session == nil || req.Session.Tokens.Empty() {
		return nil, apierr.New(apierr.KindNoSession, "transport.send", "no session context")
	}

	start := time.Now()
	resp, err := c.sendWithRetry(ctx, req)
	if apierr.Is(err, apierr.KindAuthentication) && statusOf(err) == http.StatusUnauthorized && c.reacquire != nil {
		c.log.WithField("profile", req.Session.Profile).Info("session rejected, re-acquiring")
		fresh, rerr := c.reacquire(ctx, req.Session)
		if rerr != nil {
			return nil, &apierr.Error{
				Kind:     apierr.KindAuthentication,
				Op:       "transport.reacquire",
				Msg:      "session expired and re-acquisition failed",
				Status:   http.StatusUnauthorized,
				Attempts: attemptsOf(rerr),
				Err:      rerr,
			}
		}
		req.Session = fresh
		resp, err = c.sendWithRetry(ctx, req)
	}

	c.metrics.Transport(outcomeOf(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	resp.Elapsed = time.Since(start)
	return resp, nil
}

func (c *Client) sendWithRetry(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(BuildPayload(req))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, retry, err := c.do(ctx, req.Session, body)
		if err == nil {
			resp.Attempts = attempt + 1
			return resp, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
		if attempt == c.maxRetries {
			break
		}
		wait := c.backoff * time.Duration(1<<attempt)
		c.log.WithFields(logrus.Fields{"attempt": attempt + 1, "wait": wait}).WithError(err).Warn("ask failed, retrying")
		if err := c.sleep(ctx, wait); err != nil {
			return nil, apierr.Wrap(apierr.KindNetwork, "transport.send", err)
		}
	}

	var ae *apierr.Error
	if errors.As(lastErr, &ae) && ae.Kind == apierr.KindNetwork {
		ae.Msg = fmt.Sprintf("gave up after %d attempts", c.maxRetries+1)
		return nil, ae
	}
	return nil, &apierr.Error{
		Kind: apierr.KindNetwork,
		Op:   "transport.send",
		Msg:  fmt.Sprintf("gave up after %d attempts", c.maxRetries+1),
		Err:  lastErr,
	}
}

// do performs one round trip. retry reports whether the failure may succeed
// on another attempt.
func (c *Client) do(ctx context.Context, sc *session.Context, body []byte) (*Response, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.askURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, apierr.Wrap(apierr.KindInvalidParameter, "transport.send", err)
	}
	c.setHeaders(httpReq, sc)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, apierr.Wrap(apierr.KindNetwork, "transport.send", ctx.Err())
		}
		return nil, true, apierr.Wrap(apierr.KindNetwork, "transport.send", err)
	}
	defer httpResp.Body.Close()

	ids := correlation.FromHeaders(httpResp.Header)
	log := c.log.WithFields(logrus.Fields{"status": httpResp.StatusCode, "request_id": ids.Primary()})

	if httpResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, errBodyLimit))
		ids = ids.Merge(correlation.FromBody(raw))
		err := classify(httpResp.StatusCode, raw, ids)
		log.WithError(err).Debug("ask rejected")
		return nil, httpResp.StatusCode >= 500, err
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/html") {
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, errBodyLimit))
		ids = ids.Merge(correlation.FromBody(raw))
		if isBotPage(raw) {
			return nil, false, &apierr.Error{Kind: apierr.KindBotProtection, Op: "transport.send",
				Msg: "challenge page served with status 200", Status: 200, RequestID: ids.Primary()}
		}
		return nil, false, &apierr.Error{Kind: apierr.KindUpstream, Op: "transport.send",
			Msg: "unexpected html response", Status: 200, RequestID: ids.Primary()}
	}

	trace := c.beginTrace(ids)
	defer trace.Close()
	trace.Note("response", map[string]interface{}{"status": httpResp.StatusCode, "ids": ids.Map()})

	rec := stream.NewReconstructor()
	err = stream.ReadSSE(httpResp.Body, func(ev stream.RawEvent) error {
		trace.Event(ev)
		rec.Add(ev)
		return nil
	})
	events, unrecognized := rec.Stats()
	if err != nil {
		if rec.Final() {
			log.WithError(err).Debug("stream ended after final answer")
		} else {
			return nil, true, &apierr.Error{Kind: apierr.KindNetwork, Op: "transport.read",
				Msg: "stream interrupted", RequestID: ids.Primary(), Err: err}
		}
	}
	if unrecognized > 0 {
		log.WithField("unrecognized", unrecognized).Debug("stream carried unrecognized payloads")
	}

	return &Response{
		Answer:    rec.Answer(),
		Status:    httpResp.StatusCode,
		IDs:       ids,
		Session:   sc,
		Events:    events,
		TracePath: trace.Path(),
	}, false, nil
}

func (c *Client) setHeaders(r *http.Request, sc *session.Context) {
	ua := sc.UserAgent
	if ua == "" {
		ua = challenge.DefaultUserAgent
	}
	h := r.Header
	h.Set("User-Agent", ua)
	h.Set("Accept", "text/event-stream, application/json, text/plain, */*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Content-Type", "application/json")
	h.Set("Origin", c.origin)
	h.Set("Referer", c.origin+"/")
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("Cache-Control", "no-cache")
	if cookie := sc.Tokens.Header(); cookie != "" {
		h.Set("Cookie", cookie)
	}
}

func (c *Client) beginTrace(ids correlation.IDs) *recorder.Trace {
	if c.recorder == nil {
		return nil
	}
	id := ids.Primary()
	if id == "" {
		id = "ask"
	}
	tr, err := c.recorder.Begin(id)
	if err != nil {
		c.log.WithError(err).Warn("open stream trace failed")
		return nil
	}
	return tr
}

var botMarkers = []string{"cloudflare", "challenge"}

func isBotPage(body []byte) bool {
	if challenge.IsChallengePage(body) {
		return true
	}
	lower := bytes.ToLower(body)
	for _, m := range botMarkers {
		if bytes.Contains(lower, []byte(m)) {
			return true
		}
	}
	return false
}

func classify(status int, body []byte, ids correlation.IDs) error {
	e := &apierr.Error{Op: "transport.send", Status: status, RequestID: ids.Primary()}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind, e.Msg = apierr.KindAuthentication, "session expired or invalid"
	case status == http.StatusTooManyRequests:
		e.Kind, e.Msg = apierr.KindRateLimit, "rate limited"
	case status == http.StatusForbidden && isBotPage(body):
		e.Kind, e.Msg = apierr.KindBotProtection, "blocked by bot protection"
	case status == http.StatusForbidden:
		e.Kind, e.Msg = apierr.KindAuthentication, "access denied"
	case status == http.StatusBadRequest:
		e.Kind, e.Msg = apierr.KindInvalidParameter, "request rejected: "+snippet(body)
	case status >= 500:
		e.Kind, e.Msg = apierr.KindNetwork, "upstream error"
	default:
		e.Kind, e.Msg = apierr.KindUpstream, "unexpected status"
	}
	return e
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func statusOf(err error) int {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

func attemptsOf(err error) string {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return ae.Attempts
	}
	return ""
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return apierr.KindOf(err).String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
