package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPOptions configures the HTTP collector.
type HTTPOptions struct {
	Timeout time.Duration // per request
	Secret  string        // enables request signing when set
}

// DefaultHTTPOptions returns sensible defaults.
func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{Timeout: 10 * time.Second}
}

// HTTPSink POSTs each message as a JSON body to one endpoint.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	key      []byte // nil when unsigned
}

// NewHTTPSink creates a collector client for endpoint.
func NewHTTPSink(endpoint string, opts HTTPOptions) (*HTTPSink, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("sink: endpoint must not be empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultHTTPOptions().Timeout
	}
	s := &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: opts.Timeout},
	}
	if opts.Secret != "" {
		key, err := DeriveSigningKey([]byte(opts.Secret))
		if err != nil {
			return nil, err
		}
		s.key = key
	}
	return s, nil
}

// Publish sends msg and parses the JSON reply. Any failure wraps ErrPublish.
func (s *HTTPSink) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrPublish, msg.Kind(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrPublish, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.key != nil {
		req.Header.Set(SignatureHeader, Sign(s.key, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post %s: %v", ErrPublish, msg.Kind(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrPublish, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: status %d", ErrPublish, msg.Kind(), resp.StatusCode)
	}

	var reply any
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("%w: parse response: %v", ErrPublish, err)
	}
	return nil
}

var _ Sink = (*HTTPSink)(nil)
