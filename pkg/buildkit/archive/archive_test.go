package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vincent-petithory/dataurl"
)

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, contents := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(contents)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	return buf.Bytes()
}

func gzipped(t *testing.T, bs []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(bs)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	return buf.Bytes()
}

func zipfile(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, contents := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func useRetries(t *testing.T, max int) {
	origMax, origMin, origWait := downloadRetryMax, downloadRetryWaitMin, downloadRetryWaitMax
	t.Cleanup(func() {
		downloadRetryMax, downloadRetryWaitMin, downloadRetryWaitMax = origMax, origMin, origWait
	})

	downloadRetryMax = max
	downloadRetryWaitMin = time.Millisecond
	downloadRetryWaitMax = time.Millisecond
}

func useTransport(t *testing.T, rt http.RoundTripper) {
	orig := downloadTransport
	downloadTransport = rt
	t.Cleanup(func() { downloadTransport = orig })
}

func contents(t *testing.T, dir string) []string {
	t.Helper()

	var actual []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		path, _ = filepath.Rel(dir, path)
		actual = append(actual, path)

		return nil
	})
	require.NoError(t, err)

	return actual
}

func TestFetchAndExtract(t *testing.T) {
	ctx := context.Background()
	log := logr.Discard()

	app := map[string]string{
		"Dockerfile":    "FROM python:3.11\nCOPY app.py .\n",
		"src/app.py":    "print('hello')\n",
		".dockerignore": "*.pyc\n",
	}

	t.Run("working_dir_err", func(t *testing.T) {
		_, err := FetchAndExtract(ctx, log, "fake-url", "/does/not/exist", 0)
		require.EqualError(t, err, "invalid build context directory: stat /does/not/exist: no such file or directory")
	})

	t.Run("timeout_err", func(t *testing.T) {
		_, err := FetchAndExtract(ctx, log, "http://192.0.2.1/context.tgz", t.TempDir(), time.Nanosecond)
		require.ErrorContains(t, err, "failed to download remote build context")
	})

	t.Run("unsupported_scheme", func(t *testing.T) {
		_, err := FetchAndExtract(ctx, log, "ftp://example.com/context.tgz", t.TempDir(), 0)
		require.EqualError(t, err, `unsupported build context URL scheme "ftp"`)
	})

	t.Run("conn_refused", func(t *testing.T) {
		useRetries(t, 3)
		rt := &errTransport{
			err: &net.OpError{
				Op:  "dial",
				Net: "tcp",
				Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED},
			},
		}
		useTransport(t, rt)

		_, err := FetchAndExtract(ctx, log, "http://test-url/context.tgz", t.TempDir(), 0)
		require.ErrorContains(t, err, "failed to download remote build context")
		assert.ErrorContains(t, err, "giving up after 4 attempt(s)")
		assert.Equal(t, 4, rt.calls)
	})

	t.Run("transient", func(t *testing.T) {
		useRetries(t, 3)

		idx := 0
		transientStatuses := []int{http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusServiceUnavailable}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(transientStatuses[idx%len(transientStatuses)])
			idx++
		}))
		defer srv.Close()

		_, err := FetchAndExtract(ctx, log, srv.URL, t.TempDir(), 0)
		require.ErrorContains(t, err, "failed to download remote build context")
		assert.ErrorContains(t, err, "giving up after 4 attempt(s)")
		assert.Equal(t, 4, idx)
	})

	t.Run("transient_then_ok", func(t *testing.T) {
		useRetries(t, 3)

		idx := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idx++
			if idx == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write(tarball(t, app))
		}))
		defer srv.Close()

		ext, err := FetchAndExtract(ctx, log, srv.URL, t.TempDir(), 0)
		require.NoError(t, err)
		assert.Equal(t, 2, idx)
		assert.ElementsMatch(t, []string{"Dockerfile", "src/app.py", ".dockerignore"}, contents(t, ext.ContentsDir))
	})

	t.Run("critical", func(t *testing.T) {
		idx := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idx++
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		_, err := FetchAndExtract(ctx, log, srv.URL, t.TempDir(), 0)
		require.EqualError(t, err, "failed to download remote build context: file download failed with status 403")
		assert.Equal(t, 1, idx, "client errors are not retried")
	})

	t.Run("file_types", func(t *testing.T) {
		testcases := []struct {
			name    string
			archive []byte
			errMsg  string
		}{
			{
				name:    "tarball",
				archive: tarball(t, app),
			},
			{
				name:    "gzipped_tarball",
				archive: gzipped(t, tarball(t, app)),
			},
			{
				name:    "zipfile",
				archive: zipfile(t, app),
			},
			{
				name:    "corrupt_zipfile",
				archive: append([]byte("PK\x03\x04"), make([]byte, 64)...),
				errMsg:  "cannot extract application/zip archive",
			},
			{
				name:    "png",
				archive: []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"),
				errMsg:  `unsupported file content type "image/png"`,
			},
			{
				name:   "empty",
				errMsg: "cannot sniff content type for file with 0 bytes",
			},
		}

		srv := httptest.NewServer(nil)
		defer srv.Close()

		for _, tc := range testcases {
			t.Run(tc.name, func(t *testing.T) {
				srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					_, err := w.Write(tc.archive)
					require.NoError(t, err)
				})

				ext, err := FetchAndExtract(ctx, log, srv.URL, t.TempDir(), 0)
				if tc.errMsg != "" {
					require.ErrorContains(t, err, tc.errMsg)
					return
				}

				require.NoError(t, err)
				assert.FileExists(t, ext.Archive)
				assert.ElementsMatch(t, []string{"Dockerfile", "src/app.py", ".dockerignore"}, contents(t, ext.ContentsDir))
			})
		}
	})

	t.Run("data_url", func(t *testing.T) {
		location := dataurl.New(gzipped(t, tarball(t, app)), "application/gzip").String()

		ext, err := FetchAndExtract(ctx, log, location, t.TempDir(), 0)
		require.NoError(t, err)

		bs, err := os.ReadFile(filepath.Join(ext.ContentsDir, "Dockerfile"))
		require.NoError(t, err)
		assert.Equal(t, app["Dockerfile"], string(bs))
	})

	t.Run("invalid_data_url", func(t *testing.T) {
		_, err := FetchAndExtract(ctx, log, "data:this is not valid", t.TempDir(), 0)
		require.ErrorContains(t, err, "failed to parse data URL")
	})

	t.Run("tainted_path", func(t *testing.T) {
		for name, archive := range map[string][]byte{
			"tar": tarball(t, map[string]string{"../escape": "x"}),
			"zip": zipfile(t, map[string]string{"../escape": "x"}),
		} {
			location := dataurl.New(archive, "application/octet-stream").String()

			_, err := FetchAndExtract(ctx, log, location, t.TempDir(), 0)
			require.ErrorContains(t, err, "content filepath tainted", name)
		}
	})
}

type errTransport struct {
	err   error
	calls int
}

func (rt *errTransport) RoundTrip(*http.Request) (*http.Response, error) {
	rt.calls++
	return nil, rt.err
}
