// Package fetcher downloads a Sigma rule bundle and lists the rule files of one platform.
package fetcher

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/telhawk-systems/telhawk-sigma/internal/logging"
)

// ErrFetch marks a failed bundle download or extraction.
var ErrFetch = errors.New("rule bundle fetch failed")

// FetchError records the stage at which fetching a bundle failed.
type FetchError struct {
	URL   string
	Stage string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Stage, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrFetch, e.Err}
}

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
)

type Fetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *logging.Logger
}

// New returns a Fetcher. maxBytes caps both the downloaded archive and its extracted rule files.
func New(client *http.Client, maxBytes int64, logger *logging.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, maxBytes: maxBytes, logger: logger.With(logging.Component("fetcher"))}
}

// Fetch downloads the archive at url into a private scratch directory, extracts the rule
// files, and calls fn with the sorted paths under platform. A single top-level wrapper
// directory in the archive is ignored. Scratch state is removed before Fetch returns, so
// paths are only valid inside fn.
func (f *Fetcher) Fetch(ctx context.Context, url, platform string, fn func(paths []string) error) error {
	scratch, err := os.MkdirTemp("", "sigma-bundle-*")
	if err != nil {
		return &FetchError{URL: url, Stage: "scratch", Err: err}
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			f.logger.Warn("failed to remove scratch directory", "path", scratch, logging.Error(err))
		}
	}()

	archive := filepath.Join(scratch, "bundle")
	if err := f.download(ctx, url, archive); err != nil {
		return &FetchError{URL: url, Stage: "download", Err: err}
	}

	root := filepath.Join(scratch, "extract")
	if err := f.extract(archive, root); err != nil {
		return &FetchError{URL: url, Stage: "extract", Err: err}
	}

	paths, err := listPlatform(root, platform)
	if err != nil {
		return &FetchError{URL: url, Stage: "select platform", Err: err}
	}

	f.logger.InfoContext(ctx, "rule bundle fetched",
		"url", url,
		"platform", platform,
		"rules", len(paths))
	return fn(paths)
}

func (f *Fetcher) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return fmt.Errorf("archive size %d exceeds limit %d", resp.ContentLength, f.maxBytes)
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := copyLimited(out, resp.Body, f.maxBytes); err != nil {
		return err
	}
	return out.Close()
}

// copyLimited copies src to dst and fails once more than limit bytes have been read.
// A limit of zero or less disables the check.
func copyLimited(dst io.Writer, src io.Reader, limit int64) (int64, error) {
	if limit <= 0 {
		return io.Copy(dst, src)
	}
	n, err := io.Copy(dst, io.LimitReader(src, limit+1))
	if err != nil {
		return n, err
	}
	if n > limit {
		return n, fmt.Errorf("exceeds limit of %d bytes", limit)
	}
	return n, nil
}

func (f *Fetcher) extract(archive, dst string) error {
	file, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer file.Close()

	head, err := bufio.NewReader(file).Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	switch {
	case bytes.HasPrefix(head, zipMagic):
		return f.extractZip(archive, dst)
	case bytes.HasPrefix(head, gzipMagic):
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return f.extractTarGz(file, dst)
	default:
		return errors.New("unsupported archive format")
	}
}

func (f *Fetcher) extractZip(archive, dst string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	budget := f.maxBytes
	for _, entry := range r.File {
		if entry.FileInfo().IsDir() || !isRuleFile(entry.Name) {
			continue
		}
		target, err := safeJoin(dst, entry.Name)
		if err != nil {
			return err
		}
		rc, err := entry.Open()
		if err != nil {
			return err
		}
		n, err := f.writeFile(target, rc, budget)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", entry.Name, err)
		}
		budget -= n
	}
	return nil
}

func (f *Fetcher) extractTarGz(src io.Reader, dst string) error {
	gz, err := gzip.NewReader(src)
	if err != nil {
		return err
	}
	defer gz.Close()

	budget := f.maxBytes
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		// Links and special files are never followed.
		if hdr.Typeflag != tar.TypeReg || !isRuleFile(hdr.Name) {
			continue
		}
		target, err := safeJoin(dst, hdr.Name)
		if err != nil {
			return err
		}
		n, err := f.writeFile(target, tr, budget)
		if err != nil {
			return fmt.Errorf("%s: %w", hdr.Name, err)
		}
		budget -= n
	}
}

func (f *Fetcher) writeFile(target string, src io.Reader, budget int64) (int64, error) {
	if f.maxBytes > 0 && budget <= 0 {
		return 0, fmt.Errorf("extracted size exceeds limit of %d bytes", f.maxBytes)
	}
	if f.maxBytes <= 0 {
		budget = 0
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := copyLimited(out, src, budget)
	if err != nil {
		return n, err
	}
	return n, out.Close()
}

// safeJoin resolves name under dir and rejects paths that escape it.
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	if target != dir && !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal path in archive: %s", name)
	}
	return target, nil
}

func isRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yml" || ext == ".yaml"
}

// listPlatform returns the sorted rule files under platform, looking through a single
// wrapper directory when platform is not found at the archive root.
func listPlatform(root, platform string) ([]string, error) {
	dir, err := platformDir(root, platform)
	if err != nil {
		return nil, err
	}

	var paths []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isRuleFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func platformDir(root, platform string) (string, error) {
	bases := []string{root}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		bases = append(bases, filepath.Join(root, entries[0].Name()))
	}

	for _, base := range bases {
		dir, err := safeJoin(base, platform)
		if err != nil {
			return "", err
		}
		info, err := os.Stat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if !info.IsDir() {
			return "", fmt.Errorf("platform %q is not a directory", platform)
		}
		return dir, nil
	}
	return "", fmt.Errorf("platform %q not found in bundle", platform)
}
