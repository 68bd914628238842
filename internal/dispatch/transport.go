package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Sentinel errors for transport failures.
var (
	ErrTransportUnreachable = errors.New("transport unreachable")
	ErrTransportRejected    = errors.New("transport rejected message")
	ErrUnsupportedChannel   = errors.New("no transport for channel")
	// ErrNotAttempted means the message never reached a provider, so no attempt is spent.
	ErrNotAttempted = errors.New("message not handed to transport")
)

// SendResult is what a provider reports back for an accepted message.
type SendResult struct {
	ExternalID string
}

// Transport delivers one rendered message to one address.
type Transport interface {
	Send(ctx context.Context, channel, address, body string) (SendResult, error)
}

// HTTPTransport posts messages to a provider gateway as JSON.
type HTTPTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPTransport creates a gateway transport with the given request timeout.
func NewHTTPTransport(baseURL, apiKey string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type gatewayRequest struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Body    string `json:"body"`
}

type gatewayResponse struct {
	ID string `json:"id"`
}

func (t *HTTPTransport) Send(ctx context.Context, channel, address, body string) (SendResult, error) {
	payload, err := json.Marshal(gatewayRequest{Channel: channel, To: address, Body: body})
	if err != nil {
		return SendResult{}, fmt.Errorf("encoding message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return SendResult{}, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SendResult{}, fmt.Errorf("%w: status %d", ErrTransportRejected, resp.StatusCode)
	}

	var gw gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&gw); err != nil {
		return SendResult{}, fmt.Errorf("decoding gateway response: %w", err)
	}
	return SendResult{ExternalID: gw.ID}, nil
}

// classifyError maps network-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTransportUnreachable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrTransportUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrTransportUnreachable, err)
}

// LogTransport writes messages to the logger instead of delivering them.
type LogTransport struct {
	log *slog.Logger
}

func NewLogTransport(log *slog.Logger) *LogTransport {
	if log == nil {
		log = slog.Default()
	}
	return &LogTransport{log: log}
}

func (t *LogTransport) Send(_ context.Context, channel, address, body string) (SendResult, error) {
	id := "log-" + uuid.NewString()
	t.log.Info("message delivered to log transport",
		"channel", channel, "address", address, "external_id", id, "body", body)
	return SendResult{ExternalID: id}, nil
}

// Router picks a transport per channel, falling back to a default when one is set.
type Router struct {
	byChannel map[string]Transport
	fallback  Transport
}

func NewRouter(fallback Transport) *Router {
	return &Router{byChannel: make(map[string]Transport), fallback: fallback}
}

// Handle registers t for channel and returns the router for chaining.
func (r *Router) Handle(channel string, t Transport) *Router {
	r.byChannel[channel] = t
	return r
}

func (r *Router) Send(ctx context.Context, channel, address, body string) (SendResult, error) {
	t, ok := r.byChannel[channel]
	if !ok {
		t = r.fallback
	}
	if t == nil {
		return SendResult{}, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channel)
	}
	return t.Send(ctx, channel, address, body)
}

// Throttled wraps a transport in a token bucket shared by all callers.
type Throttled struct {
	next    Transport
	limiter *rate.Limiter
}

// NewThrottled limits next to rps sends per second with a burst of rps.
func NewThrottled(next Transport, rps int) *Throttled {
	if rps <= 0 {
		rps = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(rps), rps)}
}

func (t *Throttled) Send(ctx context.Context, channel, address, body string) (SendResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrNotAttempted, err)
	}
	return t.next.Send(ctx, channel, address, body)
}
