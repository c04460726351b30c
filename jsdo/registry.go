package jsdo

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/maruel/jsdo/catalog"
)

// Registry owns the catalogs, service transports and named data objects of an
// application.
type Registry struct {
	mu         sync.Mutex
	logger     *slog.Logger
	resources  map[string]registeredResource
	transports map[string]Transport
	objects    map[string]*JSDO
}

type registeredResource struct {
	service string
	res     catalog.Resource
}

// NewRegistry returns an empty registry. logger may be nil.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:     logger,
		resources:  make(map[string]registeredResource),
		transports: make(map[string]Transport),
		objects:    make(map[string]*JSDO),
	}
}

// AddCatalog registers every resource of c.
func (r *Registry) AddCatalog(c *catalog.Catalog) error {
	if err := c.Validate(); err != nil {
		return invalidArgument("invalid catalog").Wrap(err)
	}
	for _, s := range c.Services {
		for _, res := range s.Resources {
			if err := r.AddResource(s.Name, res); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddResource registers a resource served by the named service.
func (r *Registry) AddResource(service string, res catalog.Resource) error {
	if err := res.Validate(); err != nil {
		return invalidArgument("invalid resource").Wrap(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resources[res.Name]; ok {
		return NewError(CodeDuplicateKey, "resource %s already registered", res.Name)
	}
	r.resources[res.Name] = registeredResource{service: service, res: res}
	return nil
}

// AddService sets the transport used for the resources of a service.
func (r *Registry) AddService(name string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = t
}

// Resources returns the registered resource names, sorted.
func (r *Registry) Resources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.resources))
	for name := range r.resources {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Open creates a data object for resource and registers it under name. The
// service transport is used unless opts sets one.
func (r *Registry) Open(name, resource string, opts Options) (*JSDO, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[name]; ok {
		return nil, NewError(CodeDuplicateKey, "data object %s already open", name)
	}
	rr, ok := r.resources[resource]
	if !ok {
		return nil, notFound("resource %s not registered", resource)
	}
	if opts.Transport == nil {
		opts.Transport = r.transports[rr.service]
	}
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	j, err := New(rr.res, opts)
	if err != nil {
		return nil, err
	}
	r.objects[name] = j
	return j, nil
}

// Lookup returns an open data object.
func (r *Registry) Lookup(name string) (*JSDO, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.objects[name]
	return j, ok
}

// Close forgets an open data object. It reports whether it was open.
func (r *Registry) Close(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.objects[name]
	delete(r.objects, name)
	return ok
}
