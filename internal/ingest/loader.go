package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lox/emoscal/internal/field"
	"github.com/lox/emoscal/internal/metrics"
)

// Loader reads field documents from local paths and remote URLs, choosing a
// Source by URL scheme. Locations without a scheme are local paths.
type Loader struct {
	sources map[string]Source
}

func NewLoader() *Loader {
	l := &Loader{sources: make(map[string]Source)}
	l.Register("file", FileSource{})
	l.Register("ftp", NewFTPSource())
	httpSource := NewHTTPSource()
	l.Register("http", httpSource)
	l.Register("https", httpSource)
	return l
}

// Register installs s for scheme, replacing any existing source.
func (l *Loader) Register(scheme string, s Source) {
	l.sources[strings.ToLower(scheme)] = s
}

func (l *Loader) Load(ctx context.Context, location string) (*field.Field, error) {
	u, err := parseLocation(location)
	if err != nil {
		return nil, err
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "file"
	}
	src, ok := l.sources[scheme]
	if !ok {
		return nil, fmt.Errorf("load %s: unsupported scheme %q", location, scheme)
	}

	start := time.Now()
	body, err := src.Fetch(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", u.Redacted(), err)
	}
	if scheme != "file" {
		metrics.FetchLatency.WithLabelValues(scheme).Observe(time.Since(start).Seconds())
	}

	f, err := Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", u.Redacted(), err)
	}
	metrics.FieldsIngested.WithLabelValues(scheme).Inc()
	log.Debug().
		Str("location", u.Redacted()).
		Str("name", f.Name).
		Ints("shape", f.Shape).
		Int("bytes", len(body)).
		Msg("loaded field")
	return f, nil
}

func parseLocation(location string) (*url.URL, error) {
	if location == "" {
		return nil, fmt.Errorf("empty location")
	}
	// A one-letter scheme is a drive letter.
	if i := strings.Index(location, "://"); i <= 1 {
		return &url.URL{Path: location}, nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse location %q: %w", location, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

// WriteFile encodes f as a JSON document at path.
func WriteFile(path string, f *field.Field) error {
	var buf bytes.Buffer
	if err := Encode(&buf, f); err != nil {
		return fmt.Errorf("encode %s: %w", f.Name, err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
