// Package blob stores videos on the local filesystem under deterministic keys
// and hands out signed download links for them.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"clipper/job"
)

var ErrInvalidKey = errors.New("invalid blob key")

// FS is a BlobStore rooted at a directory. Writes go to a temp file that is
// renamed into place, so a key is either absent or complete.
type FS struct {
	root    string
	baseURL string
	signer  *Signer
}

// NewFS creates the root directory if needed. baseURL and signer may be
// empty for stores that never hand out links.
func NewFS(root, baseURL string, signer *Signer) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &FS{root: root, baseURL: strings.TrimRight(baseURL, "/"), signer: signer}, nil
}

// ValidateKey rejects empty, absolute and escaping keys.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// Path returns the filesystem location of key.
func (f *FS) Path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(key)), nil
}

func (f *FS) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	path, err := f.Path(key)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create parent for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, ".clipper-tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file for %s: %w", key, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		_ = tmp.Close()
		cleanup()
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return 0, fmt.Errorf("chmod temp file for %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return 0, fmt.Errorf("close temp file for %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return 0, fmt.Errorf("atomic rename for %s: %w", key, err)
	}
	return n, nil
}

func (f *FS) Exists(ctx context.Context, key string) (bool, error) {
	path, err := f.Path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Remove deletes key and everything beneath it. A missing key is not an error.
func (f *FS) Remove(ctx context.Context, key string) error {
	path, err := f.Path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (f *FS) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := f.Path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, job.ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

// URL returns "{base}/api/v1/files/{key}?expires=..&sig=..".
func (f *FS) URL(key string, ttl time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if f.signer == nil {
		return "", errors.New("blob store has no url signer")
	}
	expires, sig := f.signer.Sign(key, ttl)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", sig)
	return fmt.Sprintf("%s/api/v1/files/%s?%s", f.baseURL, key, q.Encode()), nil
}

// Verify checks a signed link produced by URL.
func (f *FS) Verify(key, expires, sig string) error {
	if f.signer == nil {
		return ErrBadSignature
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	return f.signer.Verify(key, exp, sig)
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
