package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/maruel/jsdo/jsdo"
	"github.com/maruel/jsdo/localstore"
	"github.com/maruel/jsdo/localstore/postgres"
	"github.com/maruel/jsdo/localstore/s3"
	"github.com/maruel/jsdo/localstore/sqlite"
)

// store is an opened local store. path is set for stores backed by a single
// local file that can be watched.
type store struct {
	jsdo.LocalStore
	path  string
	close func() error
}

func (s *store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// openStore opens a local store from a location:
//
//	path or file:path      JSON lines journal
//	sqlite:path            SQLite database
//	postgres://...         PostgreSQL database
//	s3://bucket/prefix     S3 bucket, configured from JSDO_S3_* variables
func openStore(ctx context.Context, loc string) (*store, error) {
	if loc == "" {
		return nil, errors.New("a store location is required")
	}
	scheme, rest, ok := strings.Cut(loc, ":")
	if !ok || len(scheme) == 1 {
		// Windows drive letters are not schemes.
		scheme, rest = "file", loc
	}
	switch scheme {
	case "file":
		f, err := localstore.OpenFile(rest)
		if err != nil {
			return nil, err
		}
		return &store{LocalStore: f, path: f.Path()}, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, rest)
		if err != nil {
			return nil, err
		}
		return &store{LocalStore: s, path: s.Path(), close: s.Close}, nil
	case "postgres", "postgresql":
		s, err := postgres.Open(ctx, loc)
		if err != nil {
			return nil, err
		}
		return &store{LocalStore: s, close: s.Close}, nil
	case "s3":
		u, err := url.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("invalid store location: %w", err)
		}
		cfg := s3.ConfigFromEnv()
		cfg.Bucket = u.Host
		if p := strings.TrimPrefix(u.Path, "/"); p != "" {
			cfg.Prefix = strings.TrimSuffix(p, "/") + "/"
		}
		s, err := s3.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &store{LocalStore: s}, nil
	default:
		return nil, fmt.Errorf("unsupported store %q", scheme)
	}
}
