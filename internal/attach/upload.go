package attach

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Class categorizes an upload failure. Only network and server classes are
// retried with backoff.
type Class string

// Upload error classes.
const (
	ClassNetwork      Class = "network"
	ClassUnauthorized Class = "unauthorized"
	ClassTooLarge     Class = "too-large"
	ClassServer       Class = "server"
	ClassAborted      Class = "aborted"
	ClassUnknown      Class = "unknown"
)

// UploadError is a classified upload failure.
type UploadError struct {
	Class  Class
	Status int // HTTP status, 0 for transport errors
	Err    error
}

func (e *UploadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upload failed (%s, status %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("upload failed (%s): %v", e.Class, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Retryable reports whether the failure class qualifies for backoff retry.
func (e *UploadError) Retryable() bool {
	return e.Class == ClassNetwork || e.Class == ClassServer
}

// asUploadError coerces err into an *UploadError, classifying cancellation as
// aborted and anything unclassified as unknown.
func asUploadError(err error) *UploadError {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &UploadError{Class: ClassAborted, Err: err}
	}
	return &UploadError{Class: ClassUnknown, Err: err}
}

// UploadTarget selects the upload endpoint and the resulting attachment kind.
type UploadTarget string

// Upload targets.
const (
	// TargetWebAsset stores the file in the user's image library; success
	// yields a "{domain}/{hash}" key and a library-image attachment.
	TargetWebAsset UploadTarget = "web-asset"
	// TargetWorkspace stores the file in the agent's workspace; success
	// yields a path tuple and an uploaded-file attachment.
	TargetWorkspace UploadTarget = "workspace"
)

// UploadRequest carries one file to the upload endpoint.
type UploadRequest struct {
	FileName  string
	MimeType  string
	Data      []byte
	Target    UploadTarget
	Workspace string // required for TargetWorkspace
	Worktree  string // optional
}

// UploadResult is the parsed 2xx response. Key is set for web-asset uploads;
// the remaining fields for workspace uploads.
type UploadResult struct {
	Key string `json:"key,omitempty"`

	Path         string `json:"path,omitempty"`
	OriginalName string `json:"originalName,omitempty"`
	Size         int64  `json:"size,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
}

// Uploader sends one file upstream. Implementations must observe ctx at the
// network-request boundary and report monotonic progress in percent.
type Uploader interface {
	Upload(ctx context.Context, req *UploadRequest, progress func(pct int)) (*UploadResult, error)
}

// Client is the HTTP Uploader: a multipart form POST carrying the raw file
// and, for workspace uploads, the workspace (and optional worktree) fields.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// AssetPath and FilePath are the endpoint paths per target; defaults
	// are /api/upload/asset and /api/upload.
	AssetPath string
	FilePath  string
}

var _ Uploader = (*Client)(nil)

func (c *Client) endpoint(target UploadTarget) string {
	switch target {
	case TargetWebAsset:
		if c.AssetPath != "" {
			return c.BaseURL + c.AssetPath
		}
		return c.BaseURL + "/api/upload/asset"
	default:
		if c.FilePath != "" {
			return c.BaseURL + c.FilePath
		}
		return c.BaseURL + "/api/upload"
	}
}

// Upload implements Uploader.
func (c *Client) Upload(ctx context.Context, req *UploadRequest, progress func(pct int)) (*UploadResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", req.FileName)
	if err != nil {
		return nil, &UploadError{Class: ClassUnknown, Err: err}
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, &UploadError{Class: ClassUnknown, Err: err}
	}
	if req.Target == TargetWorkspace {
		_ = mw.WriteField("workspace", req.Workspace)
		if req.Worktree != "" {
			_ = mw.WriteField("worktree", req.Worktree)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, &UploadError{Class: ClassUnknown, Err: err}
	}

	pr := &progressReader{r: bytes.NewReader(body.Bytes()), total: int64(body.Len()), report: progress}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(req.Target), pr)
	if err != nil {
		return nil, &UploadError{Class: ClassUnknown, Err: err}
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.ContentLength = int64(body.Len())

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &UploadError{Class: ClassAborted, Err: ctx.Err()}
		}
		return nil, &UploadError{Class: ClassNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &UploadError{
			Class:  classifyStatus(resp.StatusCode),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", bytes.TrimSpace(msg)),
		}
	}

	r, err := decodeBody(resp)
	if err != nil {
		return nil, &UploadError{Class: ClassUnknown, Status: resp.StatusCode, Err: err}
	}
	var res UploadResult
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return nil, &UploadError{Class: ClassUnknown, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if progress != nil {
		progress(100)
	}
	return &res, nil
}

func classifyStatus(status int) Class {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassUnauthorized
	case status == http.StatusRequestEntityTooLarge:
		return ClassTooLarge
	case status >= 500:
		return ClassServer
	default:
		return ClassUnknown
	}
}

// decodeBody wraps the response body per its Content-Encoding.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch ce := resp.Header.Get("Content-Encoding"); ce {
	case "", "identity":
		return resp.Body, nil
	case "zstd":
		dec, err := zstd.NewReader(resp.Body, zstd.WithDecoderMaxMemory(10<<20))
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "gzip":
		return gzip.NewReader(resp.Body)
	default:
		return nil, fmt.Errorf("unsupported Content-Encoding: %s", ce)
	}
}

// progressReader reports request-body progress in percent. Reports are
// monotonic: the reader only moves forward.
type progressReader struct {
	r      *bytes.Reader
	total  int64
	sent   int64
	report func(pct int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.sent += int64(n)
	if p.report != nil && p.total > 0 && n > 0 {
		pct := int(p.sent * 100 / p.total)
		if pct > 99 {
			// 100 is reserved for a fully acknowledged upload.
			pct = 99
		}
		p.report(pct)
	}
	return n, err
}
