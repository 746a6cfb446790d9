package fetcher

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-sigma/internal/logging"
)

const ruleYAML = "title: test\nlogsource:\n  product: windows\ndetection:\n  sel:\n    EventID: 1\n  condition: sel\n"

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func serve(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bundle" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func relPaths(t *testing.T, paths []string, platformSuffix string) []string {
	t.Helper()
	var out []string
	for _, p := range paths {
		slashed := filepath.ToSlash(p)
		idx := strings.Index(slashed, platformSuffix)
		require.GreaterOrEqual(t, idx, 0, p)
		out = append(out, slashed[idx:])
	}
	return out
}

func TestFetch_TarGzWithWrapperDirectory(t *testing.T) {
	srv := serve(t, tarGz(t, map[string]string{
		"sigma-master/rules/windows/process_creation/proc_whoami.yml": ruleYAML,
		"sigma-master/rules/windows/dns_query/dns_tor.yaml":           ruleYAML,
		"sigma-master/rules/windows/README.md":                        "docs",
		"sigma-master/rules/linux/auditd/lnx_cron.yml":                ruleYAML,
		"sigma-master/tests/test_rules.py":                            "print()",
	}))

	f := New(srv.Client(), 1<<20, logging.Discard())
	var got []string
	err := f.Fetch(context.Background(), srv.URL+"/bundle", "rules/windows", func(paths []string) error {
		for _, p := range paths {
			data, err := os.ReadFile(p)
			require.NoError(t, err)
			assert.Equal(t, ruleYAML, string(data))
		}
		got = relPaths(t, paths, "rules/windows")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"rules/windows/dns_query/dns_tor.yaml",
		"rules/windows/process_creation/proc_whoami.yml",
	}, got)
}

func TestFetch_ZipWithoutWrapper(t *testing.T) {
	srv := serve(t, zipArchive(t, map[string]string{
		"windows/a.yml": ruleYAML,
		"windows/b.yml": ruleYAML,
		"linux/c.yml":   ruleYAML,
	}))

	f := New(srv.Client(), 1<<20, logging.Discard())
	var count int
	err := f.Fetch(context.Background(), srv.URL+"/bundle", "windows", func(paths []string) error {
		count = len(paths)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestFetch_ScratchRemoved(t *testing.T) {
	srv := serve(t, tarGz(t, map[string]string{"bundle/windows/a.yml": ruleYAML}))
	f := New(srv.Client(), 1<<20, logging.Discard())

	var seen []string
	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/bundle", "windows", func(paths []string) error {
		seen = paths
		return nil
	}))
	require.Len(t, seen, 1)
	_, err := os.Stat(seen[0])
	assert.ErrorIs(t, err, os.ErrNotExist)

	cbErr := errors.New("ingest aborted")
	err = f.Fetch(context.Background(), srv.URL+"/bundle", "windows", func(paths []string) error {
		seen = paths
		return cbErr
	})
	assert.ErrorIs(t, err, cbErr)
	assert.NotErrorIs(t, err, ErrFetch)
	_, err = os.Stat(seen[0])
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFetch_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     []byte
		path     string
		platform string
		maxBytes int64
		stage    string
	}{
		{name: "not found", path: "/missing", platform: "windows", stage: "download"},
		{name: "not an archive", body: []byte("<html>rate limited</html>"), path: "/bundle", platform: "windows", stage: "extract"},
		{name: "zip slip", body: zipArchive(t, map[string]string{"../../evil.yml": ruleYAML}), path: "/bundle", platform: "windows", stage: "extract"},
		{name: "tar slip", body: tarGz(t, map[string]string{"../evil.yml": ruleYAML}), path: "/bundle", platform: "windows", stage: "extract"},
		{name: "missing platform", body: tarGz(t, map[string]string{"x/linux/a.yml": ruleYAML}), path: "/bundle", platform: "windows", stage: "select platform"},
		{name: "archive too large", body: tarGz(t, map[string]string{"windows/a.yml": ruleYAML}), path: "/bundle", platform: "windows", maxBytes: 16, stage: "download"},
		{name: "platform escapes root", body: tarGz(t, map[string]string{"windows/a.yml": ruleYAML}), path: "/bundle", platform: "../..", stage: "select platform"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.body)
			maxBytes := tt.maxBytes
			if maxBytes == 0 {
				maxBytes = 1 << 20
			}
			f := New(srv.Client(), maxBytes, logging.Discard())

			called := false
			err := f.Fetch(context.Background(), srv.URL+tt.path, tt.platform, func([]string) error {
				called = true
				return nil
			})
			require.Error(t, err)
			assert.False(t, called)
			assert.ErrorIs(t, err, ErrFetch)

			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.stage, fe.Stage)
		})
	}
}

func TestFetch_ExtractedSizeLimit(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 4096)
	archive := tarGz(t, map[string]string{
		"windows/a.yml": string(big),
		"windows/b.yml": string(big),
	})
	srv := serve(t, archive)

	f := New(srv.Client(), int64(len(archive))+4096, logging.Discard())
	err := f.Fetch(context.Background(), srv.URL+"/bundle", "windows", func([]string) error { return nil })

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "extract", fe.Stage)
}

func TestSafeJoin(t *testing.T) {
	dir := t.TempDir()
	_, err := safeJoin(dir, "rules/windows/a.yml")
	assert.NoError(t, err)
	_, err = safeJoin(dir, "../a.yml")
	assert.Error(t, err)
	_, err = safeJoin(dir, "rules/../../a.yml")
	assert.Error(t, err)
}
