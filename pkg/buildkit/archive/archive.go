package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/h2non/filetype"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/vincent-petithory/dataurl"

	"github.com/dominodatalab/vulcan/pkg/logger"
)

const (
	mimeTar  = "application/x-tar"
	mimeGzip = "application/gzip"
	mimeZip  = "application/zip"
)

var (
	// download retries back off from downloadRetryWaitMin up to downloadRetryWaitMax
	downloadRetryMax     = 8
	downloadRetryWaitMin = time.Second
	downloadRetryWaitMax = 2 * time.Minute
	// nil uses the retry client's pooled transport
	downloadTransport http.RoundTripper
)

var extractors = map[string]func(archive, dest string) error{
	mimeTar:  untar,
	mimeGzip: untarGzip,
	mimeZip:  unzip,
}

// Extraction describes a remote build context that was fetched and unpacked.
type Extraction struct {
	Archive     string
	ContentsDir string
}

func AssertDir(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%q is not a directory", path)
	}

	return nil
}

// FetchAndExtract stores the archive at location in wd and unpacks it into a sibling directory.
//
// The location is either an http(s) URL or a data: URL. Tar, gzipped tar and zip archives are recognised by
// their content, not by the URL. Connection errors and 5xx responses are retried with exponential backoff.
func FetchAndExtract(ctx context.Context, log logr.Logger, location, wd string, timeout time.Duration) (*Extraction, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := AssertDir(wd); err != nil {
		return nil, fmt.Errorf("invalid build context directory: %w", err)
	}

	ext := &Extraction{
		Archive:     filepath.Join(wd, "archive"),
		ContentsDir: filepath.Join(wd, "extracted"),
	}
	if err := fetch(ctx, log, location, ext.Archive); err != nil {
		return nil, err
	}

	kind, err := sniff(ext.Archive)
	if err != nil {
		return nil, err
	}
	unpack, ok := extractors[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported file content type %q", kind)
	}

	if err = os.MkdirAll(ext.ContentsDir, 0755); err != nil {
		return nil, err
	}
	log.V(1).Info("Extracting build context", "type", kind, "dir", ext.ContentsDir)
	if err = unpack(ext.Archive, ext.ContentsDir); err != nil {
		return nil, fmt.Errorf("cannot extract %s archive: %w", kind, err)
	}

	return ext, nil
}

func fetch(ctx context.Context, log logr.Logger, location, dst string) error {
	if strings.HasPrefix(location, "data:") {
		return writeDataURL(log, location, dst)
	}

	u, err := url.Parse(location)
	if err != nil {
		return fmt.Errorf("invalid build context URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported build context URL scheme %q", u.Scheme)
	}

	if err = download(ctx, log, location, dst); err != nil {
		return fmt.Errorf("failed to download remote build context: %w", err)
	}

	return nil
}

func writeDataURL(log logr.Logger, location, dst string) error {
	du, err := dataurl.DecodeString(location)
	if err != nil {
		return fmt.Errorf("failed to parse data URL: %w", err)
	}

	log.Info("Processing data URL", "mediaType", du.MediaType.ContentType(), "dataLength", len(du.Data))

	if err = os.WriteFile(dst, du.Data, 0644); err != nil {
		return fmt.Errorf("failed to write archive file: %w", err)
	}

	return nil
}

func download(ctx context.Context, log logr.Logger, location, dst string) error {
	client := retryablehttp.NewClient()
	client.RetryMax = downloadRetryMax
	client.RetryWaitMin = downloadRetryWaitMin
	client.RetryWaitMax = downloadRetryWaitMax
	client.Logger = logger.Leveled{Log: log.WithName("download")}
	if downloadTransport != nil {
		client.HTTPClient.Transport = downloadTransport
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("file download failed with status %d", resp.StatusCode)
	}

	return writeFile(dst, resp.Body, 0644)
}

func sniff(fp string) (string, error) {
	fi, err := os.Stat(fp)
	if err != nil {
		return "", err
	}
	if fi.Size() == 0 {
		return "", errors.New("cannot sniff content type for file with 0 bytes")
	}

	kind, err := filetype.MatchFile(fp)
	if err != nil {
		return "", err
	}

	return kind.MIME.Value, nil
}

func untar(fp, dest string) error {
	f, err := os.Open(fp)
	if err != nil {
		return err
	}
	defer f.Close()

	return extractTar(bufio.NewReader(f), dest)
}

func untarGzip(fp, dest string) error {
	f, err := os.Open(fp)
	if err != nil {
		return err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gzr.Close()

	return extractTar(gzr, dest)
}

func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		// links and special files are skipped
		switch hdr.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(target, 0755)
		case tar.TypeReg:
			err = writeFile(target, tr, fs.FileMode(hdr.Mode).Perm())
		}
		if err != nil {
			return err
		}
	}
}

func unzip(fp, dest string) error {
	zr, err := zip.OpenReader(fp)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, zf := range zr.File {
		target, err := safeJoin(dest, zf.Name)
		if err != nil {
			return err
		}

		if zf.FileInfo().IsDir() {
			if err = os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc, zf.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

// safeJoin resolves name under dest and rejects entries that would land outside of it.
func safeJoin(dest, name string) (string, error) {
	root := filepath.Clean(dest)
	target := filepath.Join(root, name)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("content filepath tainted: %s", target)
	}

	return target, nil
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = io.Copy(f, r); err != nil {
		return fmt.Errorf("cannot write %s: %w", target, err)
	}

	return nil
}
