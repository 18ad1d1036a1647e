package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/faucetdb/datum/internal/model"
)

// maxResponseSize bounds the body read from the endpoint.
const maxResponseSize = 64 << 20

type noRetryKey struct{}

// httpPath is the fetch-style transport.
type httpPath struct {
	client    *retryablehttp.Client
	maxURLLen int
}

func newHTTPPath(cfg Config) *httpPath {
	rc := retryablehttp.NewClient()
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	} else {
		rc.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Jar != nil && rc.HTTPClient.Jar == nil {
		rc.HTTPClient.Jar = cfg.Jar
	}
	rc.RetryMax = cfg.HTTPRetries
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = cfg.Logger
	rc.CheckRetry = retryConnectionErrors
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &httpPath{client: rc, maxURLLen: cfg.MaxURLLength}
}

// retryConnectionErrors retries requests that never got a response. Status
// codes are the endpoint's answer and are returned as is. Writes are not
// retried.
func retryConnectionErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil || ctx.Value(noRetryKey{}) != nil {
		return false, nil
	}
	return true, nil
}

func (h *httpPath) do(ctx context.Context, c *call) (*model.Envelope, error) {
	verb, target := c.verb, c.full
	var body any = c.body

	switch verb {
	case GET:
		body = nil
		if h.tooLong(c.full) {
			// Reads whose URL would be too long go as a POST with the
			// query in the body.
			verb, target = POST, c.target
			body = c.opts.Values()
		}
	case POST:
	default:
		ctx = context.WithValue(ctx, noRetryKey{}, true)
	}

	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		raw = b
	} else if verb == PATCH || verb == POST {
		raw = []byte("{}")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, verb, target, bytesOrNil(raw))
	if err != nil {
		return nil, &model.TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &model.TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &model.TransportError{StatusCode: resp.StatusCode, Err: err}
	}
	return decodeResponse(resp.StatusCode, data)
}

func (h *httpPath) tooLong(full string) bool {
	u, err := url.Parse(full)
	if err != nil {
		return len(full) > h.maxURLLen
	}
	return len(u.Host)+len(u.RequestURI()) > h.maxURLLen
}

func bytesOrNil(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

// decodeResponse turns a status and body into an envelope or an error. It is
// shared by both transports.
func decodeResponse(status int, data []byte) (*model.Envelope, error) {
	if status < 200 || status >= 300 {
		doc := &model.ErrorDocument{}
		if err := json.Unmarshal(data, doc); err != nil || (doc.Title == "" && doc.Message == "") {
			doc.Title = http.StatusText(status)
			doc.Message = strings.TrimSpace(string(data))
		}
		return nil, model.NewTransportError(status, doc)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &model.TransportError{StatusCode: status, Err: fmt.Errorf("decoding envelope: %w", err)}
	}
	return &env, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// IsStatus reports whether err is a TransportError with the given status.
func IsStatus(err error, status int) bool {
	var te *model.TransportError
	return errors.As(err, &te) && te.StatusCode == status
}
