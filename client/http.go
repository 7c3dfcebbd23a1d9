package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"Cosign/internal/api"
	"Cosign/internal/coordinator"
	"Cosign/internal/errs"
)

// maxResponseSize bounds the bytes read from one response.
const maxResponseSize = 8 << 20

// statusError is a non-2xx reply.
type statusError struct {
	op     string
	status int
	body   api.ErrorResponse
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.op, e.status, e.body.Error)
}

// err restores the taxonomy sentinel carried by the reply code. Only gateway
// and proxy failures are ExternalUnavailable; any other uncoded reply is a rejection.
func (e *statusError) err() error {
	if sentinel := errs.FromCode(e.body.Code); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, e.Error())
	}

	switch e.status {
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return errs.Unavailable(e.op, e)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", errs.ErrPayloadTooLarge, e.Error())
	default:
		return fmt.Errorf("%w: %s", errs.ErrRequestRejected, e.Error())
	}
}

// handle returns the handle an already_submitted reply carries, if any.
func (e *statusError) handle() coordinator.TxHandle {
	h, err := coordinator.ParseTxHandle(e.body.Handle)
	if err != nil {
		return coordinator.TxHandle{}
	}

	return h
}

// do sends a request and decodes a JSON reply into result (when non-nil).
// Transport failures are ExternalUnavailable and error replies keep their code.
func (g *HTTPGateway) do(ctx context.Context, method, path, contentType string, body []byte, result any) error {
	op := method + " " + path

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request:\n%w", errs.ErrRequestRejected, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return errs.Unavailable(op, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errs.Unavailable(op, err)
	}

	if resp.StatusCode >= 300 {
		se := &statusError{op: op, status: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, &se.body); jsonErr != nil {
			se.body.Error = string(data)
		}
		return se
	}

	switch r := result.(type) {
	case nil:
		return nil
	case *[]byte:
		*r = data
		return nil
	default:
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("%s: decode reply:\n%w", op, err)
		}
		return nil
	}
}

// postJSON marshals body and posts it.
func (g *HTTPGateway) postJSON(ctx context.Context, path string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal body:\n%w", errs.ErrRequestRejected, err)
	}

	return classify(g.do(ctx, http.MethodPost, path, "application/json", data, result))
}

// get fetches path.
func (g *HTTPGateway) get(ctx context.Context, path string, result any) error {
	return classify(g.do(ctx, http.MethodGet, path, "", nil, result))
}

// classify converts a statusError into its taxonomy error.
func classify(err error) error {
	var se *statusError
	if errors.As(err, &se) {
		return se.err()
	}

	return err
}
