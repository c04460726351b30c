package jsdo

import (
	"context"
	"net/http"

	"github.com/maruel/jsdo/catalog"
)

// Request is one outbound operation.
type Request struct {
	Resource  string
	Operation catalog.OperationType
	// Name is the invoke operation name.
	Name   string
	Method string
	// Path is the resource path followed by the operation path.
	Path string
	// Filter is the read filter, sent as the "filter" query parameter.
	Filter string
	// Body is the JSON payload, nil for reads.
	Body []byte
}

// Response is the raw result of a Request.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport performs requests against the remote data service.
//
// Do returns an error for network failures. A non-2xx status may be reported
// either as a Response or as an error built with TransportError; both are
// handled the same way.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Do calls f.
func (f TransportFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// do runs req and converts non-2xx responses into a transport error.
func do(ctx context.Context, t Transport, req *Request) ([]byte, error) {
	resp, err := t.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	if resp.StatusCode != 0 && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return nil, TransportError(resp.StatusCode, http.StatusText(resp.StatusCode)).WithDetail("body", string(resp.Body))
	}
	return resp.Body, nil
}
