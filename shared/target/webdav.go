package target

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"bastionhq.dev/bastion/shared/manifest"
	"bastionhq.dev/bastion/shared/types"
)

const (
	webdavClientTimeout  = 60 * time.Second
	webdavBackoffBase    = time.Second
	webdavBackoffCap     = 30 * time.Second
	webdavDefaultRetries = 5
)

// WebDAV is the WebDAV target driver (spec §4.2). Credentials (basic
// auth) are supplied via Username/Password, resolved by the caller from
// the secret store.
type WebDAV struct {
	BaseURL     string
	Username    string
	Password    string
	MaxAttempts int

	Client *http.Client
}

// NewWebDAV constructs a WebDAV driver against baseURL.
func NewWebDAV(baseURL, username, password string) *WebDAV {
	return &WebDAV{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Username:    username,
		Password:    password,
		MaxAttempts: webdavDefaultRetries,
		Client:      &http.Client{Timeout: webdavClientTimeout},
	}
}

func (d *WebDAV) url(parts ...string) string {
	return d.BaseURL + "/" + path.Join(parts...)
}

func (d *WebDAV) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if d.Username != "" {
		req.SetBasicAuth(d.Username, d.Password)
	}
	return req, nil
}

// ensureCollection creates u and every ancestor collection under BaseURL,
// in order, before any PUT — made explicit per spec §9's open question
// about MKCOL/409 ordering rather than relying on 405 alone.
func (d *WebDAV) ensureCollection(ctx context.Context, segments ...string) error {
	cur := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		cur = path.Join(cur, seg)
		if err := d.mkcol(ctx, d.url(cur)); err != nil {
			return err
		}
	}
	return nil
}

func (d *WebDAV) mkcol(ctx context.Context, u string) error {
	req, err := d.newRequest(ctx, "MKCOL", u, nil)
	if err != nil {
		return err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("target: webdav: MKCOL %s: %w", u, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusMethodNotAllowed:
		return nil
	default:
		return fmt.Errorf("target: webdav: MKCOL %s: unexpected status %d", u, resp.StatusCode)
	}
}

// headSize returns the remote Content-Length for u, or nil if it does
// not exist (404).
func (d *WebDAV) headSize(ctx context.Context, u string) (*int64, error) {
	req, err := d.newRequest(ctx, http.MethodHead, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("target: webdav: HEAD %s: %w", u, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		if resp.ContentLength >= 0 {
			n := resp.ContentLength
			return &n, nil
		}
		if v := resp.Header.Get("Content-Length"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return &n, nil
			}
		}
		return nil, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("target: webdav: HEAD %s: unexpected status %d", u, resp.StatusCode)
	}
}

// retryableError marks a WebDAV failure (timeout, 5xx, 423 Locked,
// network reset) as safe to retry with backoff; any other error from
// putFile is permanent per spec §7.
type retryableError struct{ status int }

func (e *retryableError) Error() string { return fmt.Sprintf("retryable status %d", e.status) }

// putFile streams localPath to u with a declared Content-Length,
// accepting 200/201/204.
func (d *WebDAV) putFile(ctx context.Context, u, localPath string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("target: webdav: opening %s: %w", localPath, err)
	}
	defer f.Close()

	req, err := d.newRequest(ctx, http.MethodPut, u, f)
	if err != nil {
		return err
	}
	req.ContentLength = size

	resp, err := d.Client.Do(req)
	if err != nil {
		return &retryableError{status: 0}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusLocked:
		return &retryableError{status: resp.StatusCode}
	default:
		if resp.StatusCode >= 500 {
			return &retryableError{status: resp.StatusCode}
		}
		return fmt.Errorf("target: webdav: PUT %s: permanent status %d", u, resp.StatusCode)
	}
}

// putFileWithRetries wraps putFile in exponential backoff starting at 1s,
// doubling to a 30s cap, up to maxAttempts.
func (d *WebDAV) putFileWithRetries(ctx context.Context, u, localPath string, size int64, maxAttempts int) error {
	backoff := webdavBackoffBase
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := d.putFile(ctx, u, localPath, size)
		if err == nil {
			return nil
		}
		lastErr = err
		if _, retryable := err.(*retryableError); !retryable {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > webdavBackoffCap {
			backoff = webdavBackoffCap
		}
	}
	return fmt.Errorf("target: webdav: PUT %s failed after %d attempts: %w", u, maxAttempts, lastErr)
}

func (d *WebDAV) StoreRun(ctx context.Context, base, jobID, runID string, files []StagedFile, progress ProgressFunc) (string, error) {
	if err := d.ensureCollection(ctx, jobID, runID); err != nil {
		return "", err
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	var done int64

	runURL := path.Join(jobID, runID)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		u := d.url(runURL, f.Name)
		existing, err := d.headSize(ctx, u)
		if err != nil {
			return "", err
		}
		if existing != nil && (f.Size == 0 || *existing == f.Size) {
			done += f.Size
			if progress != nil {
				progress(done, &total)
			}
			continue
		}
		if err := d.putFileWithRetries(ctx, u, f.LocalPath, f.Size, d.attempts()); err != nil {
			return "", err
		}
		done += f.Size
		if progress != nil {
			progress(done, &total)
		}
	}

	markerURL := d.url(runURL, manifest.CompletionMarkerName)
	if err := d.putBytes(ctx, markerURL, []byte("{}")); err != nil {
		return "", err
	}
	if progress != nil {
		progress(total, &total)
	}
	return d.url(runURL), nil
}

func (d *WebDAV) attempts() int {
	if d.MaxAttempts <= 0 {
		return webdavDefaultRetries
	}
	return d.MaxAttempts
}

func (d *WebDAV) putBytes(ctx context.Context, u string, b []byte) error {
	req, err := d.newRequest(ctx, http.MethodPut, u, strings.NewReader(string(b)))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(b))
	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("target: webdav: PUT %s: %w", u, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("target: webdav: PUT %s: unexpected status %d", u, resp.StatusCode)
	}
}

func (d *WebDAV) DeleteRun(ctx context.Context, base, jobID, runID string) error {
	u := d.url(jobID, runID)
	req, err := d.newRequest(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("target: webdav: DELETE %s: %w", u, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	case http.StatusLocked:
		return &retryableError{status: resp.StatusCode}
	default:
		return fmt.Errorf("target: webdav: DELETE %s: unexpected status %d", u, resp.StatusCode)
	}
}

// multistatus is the minimal PROPFIND response shape needed to list
// child collection names at Depth: 1.
type multistatus struct {
	XMLName  xml.Name `xml:"multistatus"`
	Response []struct {
		Href string `xml:"href"`
	} `xml:"response"`
}

func (d *WebDAV) propfindChildren(ctx context.Context, u string) ([]string, error) {
	req, err := d.newRequest(ctx, "PROPFIND", u, strings.NewReader(`<?xml version="1.0"?><propfind xmlns="DAV:"><allprop/></propfind>`))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Depth", "1")
	req.Header.Set("Content-Type", "application/xml")

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("target: webdav: PROPFIND %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != 207 && resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("target: webdav: PROPFIND %s: unexpected status %d", u, resp.StatusCode)
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("target: webdav: decoding PROPFIND response: %w", err)
	}

	base, _ := url.Parse(u)
	var names []string
	for _, r := range ms.Response {
		href := r.Href
		href = strings.TrimSuffix(href, "/")
		if base != nil {
			if parsed, err := url.Parse(href); err == nil {
				href = parsed.Path
			}
		}
		name := path.Base(href)
		if name == "" || name == "." || strings.TrimSuffix(base.Path, "/") == href {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func (d *WebDAV) ScanIncomplete(ctx context.Context, base string) ([]RunRef, error) {
	jobDirs, err := d.propfindChildren(ctx, d.BaseURL)
	if err != nil {
		return nil, err
	}
	var refs []RunRef
	for _, jobID := range jobDirs {
		runDirs, err := d.propfindChildren(ctx, d.url(jobID))
		if err != nil {
			continue
		}
		for _, runID := range runDirs {
			manifestSize, err := d.headSize(ctx, d.url(jobID, runID, manifest.ManifestName))
			if err != nil || manifestSize == nil {
				continue
			}
			markerSize, err := d.headSize(ctx, d.url(jobID, runID, manifest.CompletionMarkerName))
			if err == nil && markerSize == nil {
				refs = append(refs, RunRef{JobID: jobID, RunID: runID})
			}
		}
	}
	return refs, nil
}

type webdavReadCloser struct {
	io.ReadCloser
	size int64
}

func (w *webdavReadCloser) Size() int64 { return w.size }

func (d *WebDAV) OpenPart(ctx context.Context, base, jobID, runID, name string) (ReadCloserSize, error) {
	u := d.url(jobID, runID, name)
	size, err := d.headSize(ctx, u)
	if err != nil {
		return nil, err
	}
	if size == nil {
		return nil, fmt.Errorf("target: webdav: %s not found", u)
	}
	req, err := d.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("target: webdav: GET %s: %w", u, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("target: webdav: GET %s: unexpected status %d", u, resp.StatusCode)
	}
	return &webdavReadCloser{ReadCloser: resp.Body, size: *size}, nil
}

// EnsureCollection creates the collection at the given path segments
// under BaseURL, along with every ancestor, in order. Exported for reuse
// by the restore engine's WebDAV sink.
func (d *WebDAV) EnsureCollection(ctx context.Context, segments ...string) error {
	return d.ensureCollection(ctx, segments...)
}

// HeadSize returns the remote Content-Length for the given path segments
// under BaseURL, or nil if it does not exist.
func (d *WebDAV) HeadSize(ctx context.Context, segments ...string) (*int64, error) {
	return d.headSize(ctx, d.url(segments...))
}

// PutFileWithRetries uploads localPath to the given path segments under
// BaseURL with exponential backoff.
func (d *WebDAV) PutFileWithRetries(ctx context.Context, localPath string, size int64, segments ...string) error {
	return d.putFileWithRetries(ctx, d.url(segments...), localPath, size, d.attempts())
}

// URL exposes the BaseURL-relative URL builder for callers mirroring a
// staged tree.
func (d *WebDAV) URL(segments ...string) string { return d.url(segments...) }

func (d *WebDAV) Redact(base string) types.RedactedTarget {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return types.RedactedTarget{Type: types.TargetWebDAV, Location: "webdav"}
	}
	u.User = nil
	return types.RedactedTarget{Type: types.TargetWebDAV, Location: u.String()}
}
