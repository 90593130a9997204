package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	// At most one connect attempt per second on average, bursts of 3.
	defaultConnectRate  = rate.Limit(1)
	defaultConnectBurst = 3
)

// ErrStreamClosed is reported when the server ends the event stream.
var ErrStreamClosed = errors.New("remote: rtdb stream closed by server")

// RTDBSource streams documents from a Firebase Realtime Database using the
// REST streaming protocol (text/event-stream with put/patch events).
//
// Reconnection is owned by the source: after a failure it reports a transport
// error event, then retries with exponential backoff under a connect rate
// limit. The first document received after reconnecting supersedes the error.
type RTDBSource struct {
	base       *url.URL
	auth       string
	client     *http.Client
	limiter    *rate.Limiter
	minBackoff time.Duration
	maxBackoff time.Duration
	log        *slog.Logger
}

// RTDBOption configures an RTDBSource.
type RTDBOption func(*RTDBSource)

// WithAuth sets the credential sent as the auth query parameter.
func WithAuth(token string) RTDBOption {
	return func(s *RTDBSource) { s.auth = token }
}

// WithHTTPClient overrides the HTTP client. It must not set a Timeout, since
// streams are long-lived.
func WithHTTPClient(c *http.Client) RTDBOption {
	return func(s *RTDBSource) { s.client = c }
}

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(min, max time.Duration) RTDBOption {
	return func(s *RTDBSource) {
		s.minBackoff = min
		s.maxBackoff = max
	}
}

// WithConnectLimiter replaces the connect attempt limiter.
func WithConnectLimiter(l *rate.Limiter) RTDBOption {
	return func(s *RTDBSource) { s.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RTDBOption {
	return func(s *RTDBSource) { s.log = l }
}

// NewRTDBSource creates a source for the database at baseURL,
// e.g. https://example-default-rtdb.firebaseio.com.
func NewRTDBSource(baseURL string, opts ...RTDBOption) (*RTDBSource, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse rtdb url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: rtdb url %q: scheme must be http or https", baseURL)
	}
	s := &RTDBSource{
		base:       u,
		client:     &http.Client{},
		limiter:    rate.NewLimiter(defaultConnectRate, defaultConnectBurst),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns "rtdb".
func (s *RTDBSource) Name() string { return "rtdb" }

// Watch opens the stream in a background goroutine and keeps it open until
// the returned CancelFunc is called or ctx is done.
func (s *RTDBSource) Watch(ctx context.Context, path string, fn func(Event)) (CancelFunc, error) {
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	go s.run(ctx, p, fn)

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (s *RTDBSource) documentURL(path string) string {
	u := *s.base
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(segs, "/") + ".json"
	u.RawPath = ""
	if s.auth != "" {
		q := u.Query()
		q.Set("auth", s.auth)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (s *RTDBSource) run(ctx context.Context, path string, fn func(Event)) {
	emit := func(ev Event) {
		if ctx.Err() == nil {
			fn(ev)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.minBackoff
	b.MaxInterval = s.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		err := s.stream(ctx, path, emit, b.Reset)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("remote: rtdb stream failed", "path", path, "err", err)
		emit(Event{Err: err})

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = s.maxBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// streamPayload is the data of put and patch events.
type streamPayload struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// stream runs one connection until it fails. It always returns a non-nil error.
func (s *RTDBSource) stream(ctx context.Context, path string, emit func(Event), opened func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.documentURL(path), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("remote: rtdb stream %s: %s: %s", path, resp.Status, bytes.TrimSpace(body))
	}
	opened()
	s.log.Debug("remote: rtdb stream open", "path", path)

	var doc any
	events := newSSEReader(resp.Body)
	for {
		ev, err := events.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrStreamClosed
			}
			return err
		}

		switch ev.Name {
		case "put", "patch":
			var p streamPayload
			if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
				return fmt.Errorf("remote: rtdb %s event: %w", ev.Name, err)
			}
			value, err := decodeValue(p.Data)
			if err != nil {
				return fmt.Errorf("remote: rtdb %s data: %w", ev.Name, err)
			}
			if ev.Name == "put" {
				doc = setAt(doc, splitPath(p.Path), value)
			} else {
				children, ok := value.(map[string]any)
				if !ok {
					return fmt.Errorf("remote: rtdb patch data is not an object")
				}
				base := splitPath(p.Path)
				for k, v := range children {
					doc = setAt(doc, append(append([]string(nil), base...), splitPath(k)...), v)
				}
			}
			emit(documentEvent(doc))
		case "keep-alive":
		case "cancel":
			return fmt.Errorf("remote: rtdb stream cancelled: %s", ev.Data)
		case "auth_revoked":
			return fmt.Errorf("remote: rtdb credential revoked")
		default:
			s.log.Debug("remote: rtdb unknown event", "event", ev.Name)
		}
	}
}

func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// setAt returns root with value stored at the given child path. A nil value
// deletes the child; objects left empty are pruned, as the database does.
func setAt(root any, path []string, value any) any {
	if len(path) == 0 {
		if m, ok := value.(map[string]any); ok && len(m) == 0 {
			return nil
		}
		return value
	}
	m, ok := root.(map[string]any)
	if !ok {
		if value == nil {
			return root
		}
		m = make(map[string]any)
	}
	child := setAt(m[path[0]], path[1:], value)
	if child == nil {
		delete(m, path[0])
	} else {
		m[path[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

var _ Source = (*RTDBSource)(nil)
