package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/maruel/jsdo/catalog"
)

// NewRouter creates the HTTP router serving every operation of every
// resource at its resource path followed by its operation path.
func NewRouter(s *Server) (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	seen := map[string]string{}
	for _, r := range s.resources {
		if r.def.Path == "" {
			return nil, fmt.Errorf("resource %s: path is required to serve it", r.def.Name)
		}
		for i := range r.def.Operations {
			op := &r.def.Operations[i]
			pattern := op.Method() + " " + r.def.Path + op.Path
			if prev, ok := seen[pattern]; ok {
				return nil, fmt.Errorf("resource %s: operation %s conflicts with %s on %q", r.def.Name, op.Type, prev, pattern)
			}
			seen[pattern] = string(op.Type)
			mux.Handle(pattern, s.handler(r, op))
		}
	}
	return mux, nil
}

func (s *Server) handler(r *resource, op *catalog.Operation) http.Handler {
	switch op.Type {
	case catalog.OpRead:
		return Wrap(func(ctx context.Context, req *request) (map[string]any, error) {
			return s.read(ctx, r, req)
		})
	case catalog.OpSubmit:
		return Wrap(func(ctx context.Context, req *request) (map[string]any, error) {
			return s.submit(ctx, r, req)
		})
	case catalog.OpInvoke:
		name := op.Name
		return Wrap(func(ctx context.Context, req *request) (map[string]any, error) {
			return s.invoke(ctx, r, name, req)
		})
	default:
		typ := op.Type
		return Wrap(func(ctx context.Context, req *request) (map[string]any, error) {
			return s.rowCall(ctx, r, typ, req)
		})
	}
}
