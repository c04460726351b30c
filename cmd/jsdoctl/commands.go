package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/jsdo/catalog"
	"github.com/maruel/jsdo/internal/server"
	"github.com/maruel/jsdo/jsdo"
	"github.com/maruel/jsdo/metrics"
	"github.com/maruel/jsdo/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// clientFlags are the flags shared by the commands talking to a service.
type clientFlags struct {
	catalog  string
	resource string
	baseURL  string
	token    string
	rps      float64
	timeout  time.Duration
}

func (c *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.catalog, "catalog", "", "Catalog file (YAML or JSON)")
	fs.StringVar(&c.resource, "resource", "", "Resource name; optional when the catalog has only one")
	fs.StringVar(&c.baseURL, "url", "", "Service base URL; defaults to the catalog service address")
	fs.StringVar(&c.token, "token", "", "Bearer token sent to the service")
	fs.Float64Var(&c.rps, "rps", 0, "Maximum requests per second; 0 is unlimited")
	fs.DurationVar(&c.timeout, "timeout", transport.DefaultTimeout, "Per-request timeout")
}

// open loads the catalog and opens a data object on the selected resource.
func (c *clientFlags) open(obs jsdo.Observer) (*jsdo.JSDO, error) {
	if c.catalog == "" {
		return nil, errors.New("-catalog is required")
	}
	cat, err := catalog.Load(c.catalog)
	if err != nil {
		return nil, err
	}
	name := c.resource
	if name == "" {
		var all []string
		for _, s := range cat.Services {
			for _, r := range s.Resources {
				all = append(all, r.Name)
			}
		}
		if len(all) != 1 {
			return nil, fmt.Errorf("-resource is required, choose one of %s", strings.Join(all, ", "))
		}
		name = all[0]
	}
	svc, _, ok := cat.Resource(name)
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", name)
	}
	base := c.baseURL
	if base == "" {
		base = svc.Address
	}
	cfg := transport.Config{BaseURL: base, Timeout: c.timeout, RequestsPerSecond: c.rps}
	if c.token != "" {
		cfg.TokenSource = transport.StaticToken(c.token)
	}
	t, err := transport.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", svc.Name, err)
	}
	reg := jsdo.NewRegistry(slog.Default())
	if err := reg.AddCatalog(cat); err != nil {
		return nil, err
	}
	reg.AddService(svc.Name, t)
	opts := jsdo.DefaultOptions()
	opts.Observer = obs
	return reg.Open(name, name, opts)
}

func runFill(ctx context.Context, args []string, env map[string]string, stdout io.Writer) error {
	fs := flag.NewFlagSet("fill", flag.ContinueOnError)
	var c clientFlags
	c.register(fs)
	filter := fs.String("filter", "", "Filter sent with the read operation")
	loc := fs.String("store", "", "Store the result as a snapshot instead of printing it")
	name := fs.String("name", "", "Snapshot name; defaults to the resource name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	if err := applyEnv(fs, env); err != nil {
		return err
	}
	j, err := c.open(nil)
	if err != nil {
		return err
	}
	if err := j.Fill(ctx, *filter); err != nil {
		return err
	}
	if *loc == "" {
		return printTables(stdout, j)
	}
	st, err := openStore(ctx, *loc)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	n := snapshotName(*name, j)
	if err := j.SaveLocal(ctx, st, n, jsdo.LocalAllData); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Stored snapshot", "name", n, "store", *loc)
	return nil
}

func snapshotName(name string, j *jsdo.JSDO) string {
	if name != "" {
		return name
	}
	return j.Resource().Name
}

// printTables writes {table: [rows]} as indented JSON.
func printTables(w io.Writer, j *jsdo.JSDO) error {
	out := make(map[string][]jsdo.Row)
	for _, t := range j.Tables() {
		out[t.Name()] = t.Data()
	}
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(out)
}

func runSync(ctx context.Context, args []string, env map[string]string, _ io.Writer) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	var c clientFlags
	c.register(fs)
	loc := fs.String("store", "", "Store holding the snapshot")
	name := fs.String("name", "", "Snapshot name; defaults to the resource name")
	submit := fs.Bool("submit", false, "Send every change in one submit call")
	watch := fs.Bool("watch", false, "Sync again whenever the store file changes")
	metricsAddr := fs.String("metrics", "", "Serve Prometheus metrics on this address while watching")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	if err := applyEnv(fs, env); err != nil {
		return err
	}
	col := metrics.New(nil)
	j, err := c.open(col)
	if err != nil {
		return err
	}
	n := snapshotName(*name, j)
	if !*watch {
		_, err := syncOnce(ctx, j, *loc, n, *submit)
		return err
	}
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(col)
		stopMetrics, err := serveMetrics(ctx, *metricsAddr, reg)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}
	return watchStore(ctx, *loc, func() (string, error) {
		return syncOnce(ctx, j, *loc, n, *submit)
	})
}

// syncOnce sends the pending changes of a snapshot and stores the result. It
// returns the path of the local file backing the store, if any.
func syncOnce(ctx context.Context, j *jsdo.JSDO, loc, name string, submit bool) (string, error) {
	st, err := openStore(ctx, loc)
	if err != nil {
		return "", err
	}
	defer func() { _ = st.Close() }()
	if err := j.ReadLocal(ctx, st, name); err != nil {
		return st.path, err
	}
	if !j.HasChanges() {
		slog.DebugContext(ctx, "Nothing to sync", "name", name)
		return st.path, nil
	}
	res, err := j.SaveChanges(ctx, submit)
	if err != nil {
		return st.path, err
	}
	if err := j.SaveLocal(ctx, st, name, jsdo.LocalAllData); err != nil {
		return st.path, err
	}
	for _, e := range res.Errors {
		slog.WarnContext(ctx, "Change rejected", "table", e.Table, "kind", e.Kind.String(), "id", e.ID, "err", e.Message)
	}
	slog.InfoContext(ctx, "Synced", "name", name, "batch", res.BatchID.String(), "rows", len(res.Operations), "rejected", len(res.Errors))
	if !res.Success() {
		return st.path, fmt.Errorf("%d of %d changes rejected", len(res.Errors), len(res.Operations))
	}
	return st.path, nil
}

// watchStore calls sync once, then again on every change to the file it
// reports, until ctx is done. Sync failures are logged, not returned.
func watchStore(ctx context.Context, loc string, sync func() (string, error)) error {
	path, err := sync()
	if err != nil {
		slog.WarnContext(ctx, "Sync failed", "err", err)
	}
	if path == "" {
		return fmt.Errorf("store %q cannot be watched", loc)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	// Watch the directory: journal compaction replaces the file.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	last := stamp(path)
	slog.InfoContext(ctx, "Watching", "path", path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(event.Name, path) || (!event.Has(fsnotify.Write) && !event.Has(fsnotify.Create)) {
				continue
			}
			// Our own writes leave the stamp unchanged.
			if s := stamp(path); s == last {
				continue
			}
			if _, err := sync(); err != nil {
				slog.WarnContext(ctx, "Sync failed", "err", err)
			}
			last = stamp(path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching store", "err", err)
		}
	}
}

// stamp identifies the current content of the file at path and its
// write-ahead log, if any.
func stamp(path string) string {
	var b strings.Builder
	for _, p := range []string{path, path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			fmt.Fprintf(&b, "%d/%d;", fi.Size(), fi.ModTime().UnixNano())
		}
	}
	return b.String()
}

func serveMetrics(ctx context.Context, addr string, g prometheus.Gatherer) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second, BaseContext: func(_ net.Listener) context.Context { return ctx }}
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.WarnContext(ctx, "Metrics server error", "err", err)
		}
	}()
	slog.InfoContext(ctx, "Serving metrics", "addr", ln.Addr().String())
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

func runSchema(ctx context.Context, args []string, env map[string]string, stdout io.Writer) error {
	fs := flag.NewFlagSet("schema", flag.ContinueOnError)
	check := fs.String("check", "", "Validate this catalog file instead of printing the schema")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	if err := applyEnv(fs, env); err != nil {
		return err
	}
	if *check != "" {
		cat, err := catalog.Load(*check)
		if err != nil {
			return err
		}
		for _, s := range cat.Services {
			for _, r := range s.Resources {
				fmt.Fprintf(stdout, "%s/%s: %d tables, %d operations\n", s.Name, r.Name, len(r.Tables), len(r.Operations))
			}
		}
		return nil
	}
	b, err := catalog.SchemaJSON()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s\n", b)
	return err
}

// seedFile maps resource names to table names to rows.
type seedFile map[string]map[string][]map[string]any

func runServe(ctx context.Context, args []string, env map[string]string, stdout io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	catPath := fs.String("catalog", "", "Catalog file (YAML or JSON)")
	httpAddr := fs.String("http", "localhost:8080", "Address to listen on")
	seed := fs.String("seed", "", "JSON file with initial rows: {resource: {table: [rows]}}")
	token := fs.String("token", "", "Require this bearer token")
	jwtSecret := fs.String("jwt-secret", "", "Require HS256 tokens signed with this secret; a client token is printed at startup")
	jwtTTL := fs.Duration("jwt-ttl", 24*time.Hour, "Validity of the printed client token")
	rpm := fs.Int("rate", 0, "Requests per minute per client; 0 is unlimited")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("unknown arguments: %v", fs.Args())
	}
	if err := applyEnv(fs, env); err != nil {
		return err
	}
	h, err := newServeHandler(*catPath, *seed, *token, *jwtSecret, *rpm)
	if err != nil {
		return err
	}
	if *jwtSecret != "" {
		tok, err := server.NewToken([]byte(*jwtSecret), "jsdoctl", *jwtTTL)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(stdout, "token: %s\n", tok); err != nil {
			return err
		}
	}

	// Normalize addr: ":8080" becomes "localhost:8080"
	addr := *httpAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           h,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}
	version, _, _, _ := getBuildInfo()
	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "addr", addr, "version", version)
		serverErr <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		slog.InfoContext(ctx, "Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		slog.InfoContext(ctx, "Server stopped")
	}
	return nil
}

// newServeHandler builds the data service handler: the protocol routes
// behind the optional bearer or JWT check and rate limit, plus /metrics.
func newServeHandler(catPath, seed, token, jwtSecret string, rpm int) (http.Handler, error) {
	if catPath == "" {
		return nil, errors.New("-catalog is required")
	}
	if token != "" && jwtSecret != "" {
		return nil, errors.New("-token and -jwt-secret are mutually exclusive")
	}
	if jwtSecret != "" && len(jwtSecret) < server.MinSecretLen {
		return nil, fmt.Errorf("-jwt-secret must be at least %d bytes", server.MinSecretLen)
	}
	cat, err := catalog.Load(catPath)
	if err != nil {
		return nil, err
	}
	s, err := server.New(cat, server.Options{Logger: slog.Default()})
	if err != nil {
		return nil, err
	}
	if seed != "" {
		data, err := os.ReadFile(seed) //nolint:gosec // G304: path comes from the -seed flag
		if err != nil {
			return nil, err
		}
		var sf seedFile
		if err := json.Unmarshal(data, &sf); err != nil {
			return nil, fmt.Errorf("invalid seed file: %w", err)
		}
		for res, tables := range sf {
			for tbl, rows := range tables {
				if err := s.Seed(res, tbl, rows); err != nil {
					return nil, fmt.Errorf("seed: %w", err)
				}
			}
		}
	}
	router, err := server.NewRouter(s)
	if err != nil {
		return nil, err
	}
	switch {
	case token != "":
		router = server.RequireBearer(token)(router)
	case jwtSecret != "":
		router = server.RequireJWT([]byte(jwtSecret))(router)
	}
	if rpm > 0 {
		router = server.RateLimit(server.NewLimiter(rpm, time.Minute, max(rpm/10, 1)))(router)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", router)
	return server.LogRequests(slog.Default())(mux), nil
}
