// Package static serves the local asset bundle with a directory-traversal guard.
package static

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	humanize "github.com/dustin/go-humanize"
)

// defaultContentType is used for files whose extension has no registered type.
const defaultContentType = "application/octet-stream"

// Asset is a resolved file under the asset root. It is created per request.
type Asset struct {
	Path        string
	ContentType string
	Size        int64
	ModTime     time.Time
}

// Server resolves request paths against a fixed root directory.
type Server struct {
	root     string
	index    string
	compress bool
	logger   *slog.Logger
}

// New creates a Server rooted at root. The root must exist and be a directory;
// it is canonicalized once so later containment checks compare real paths.
func New(root, index string, compress bool, logger *slog.Logger) (*Server, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("static root %q: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("static root %q: %w", root, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("static root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static root %q is not a directory", root)
	}
	if index == "" {
		index = "index.html"
	}

	return &Server{
		root:     canonical,
		index:    index,
		compress: compress,
		logger:   logger.With("component", "asset_server"),
	}, nil
}

// Root returns the canonical asset root.
func (s *Server) Root() string {
	return s.root
}

// Lookup resolves urlPath to a regular file under the root. It reports false for
// missing files, directories without an index file, and any path that would
// resolve outside the root, including through symlinks.
func (s *Server) Lookup(urlPath string) (*Asset, bool) {
	if strings.ContainsRune(urlPath, 0) || hasDotDotSegment(urlPath) {
		return nil, false
	}

	clean := path.Clean("/" + urlPath)
	full, ok := s.resolve(filepath.Join(s.root, filepath.FromSlash(clean)))
	if !ok {
		return nil, false
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, false
	}
	if info.IsDir() {
		full, ok = s.resolve(filepath.Join(full, s.index))
		if !ok {
			return nil, false
		}
		if info, err = os.Stat(full); err != nil || info.IsDir() {
			return nil, false
		}
	}
	if !info.Mode().IsRegular() {
		return nil, false
	}

	return &Asset{
		Path:        full,
		ContentType: contentType(full),
		Size:        info.Size(),
		ModTime:     info.ModTime(),
	}, true
}

// resolve canonicalizes p and reports whether it stays inside the root.
func (s *Server) resolve(p string) (string, bool) {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", false
	}
	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}

// Serve writes the asset to w. The file is opened for this call only and closed
// on every return path.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, a *Asset) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return fmt.Errorf("open asset: %w", err)
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", a.ContentType)

	if s.compress && compressible(a.ContentType) && acceptsBrotli(r) && r.Header.Get("Range") == "" {
		return s.serveBrotli(w, r, f, a)
	}

	s.logger.Debug("serving asset",
		"path", r.URL.Path,
		"size", humanize.Bytes(uint64(a.Size)),
	)
	http.ServeContent(w, r, a.Path, a.ModTime, f)
	return nil
}

func (s *Server) serveBrotli(w http.ResponseWriter, r *http.Request, f io.Reader, a *Asset) error {
	h := w.Header()
	h.Set("Content-Encoding", "br")
	h.Add("Vary", "Accept-Encoding")
	h.Set("Last-Modified", a.ModTime.UTC().Format(http.TimeFormat))
	h.Del("Content-Length")
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return nil
	}

	bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
	if _, err := io.Copy(bw, f); err != nil {
		_ = bw.Close()
		return fmt.Errorf("compress asset: %w", err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("compress asset: %w", err)
	}

	s.logger.Debug("serving compressed asset",
		"path", r.URL.Path,
		"size", humanize.Bytes(uint64(a.Size)),
	)
	return nil
}

// hasDotDotSegment reports whether any slash- or backslash-separated segment is "..".
func hasDotDotSegment(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return defaultContentType
}

func compressible(ct string) bool {
	ct, _, _ = strings.Cut(ct, ";")
	switch {
	case strings.HasPrefix(ct, "text/"):
		return true
	case ct == "application/javascript", ct == "application/json",
		ct == "image/svg+xml", ct == "application/xml", ct == "application/wasm":
		return true
	}
	return false
}

func acceptsBrotli(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept-Encoding") {
		for _, enc := range strings.Split(v, ",") {
			name, params, _ := strings.Cut(strings.TrimSpace(enc), ";")
			if !strings.EqualFold(strings.TrimSpace(name), "br") {
				continue
			}
			q, ok := strings.CutPrefix(strings.TrimSpace(params), "q=")
			if !ok {
				return true
			}
			if w, err := strconv.ParseFloat(q, 64); err == nil && w > 0 {
				return true
			}
		}
	}
	return false
}
