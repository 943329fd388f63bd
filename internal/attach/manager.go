package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eenlars/alive/internal/library"
)

// ErrTooManyAttachments rejects creation past the configured cap. Existing
// attachments are left untouched.
var ErrTooManyAttachments = errors.New("too many attachments")

// ErrUnknownAttachment is returned for an id the manager has never issued.
// Passing one is a caller bug, not a recoverable condition.
var ErrUnknownAttachment = errors.New("unknown attachment id")

// Library is the injected read side of the user's image library, used for
// content-hash dedup before upload.
type Library interface {
	// FindKey returns the "{domain}/{hash}" key for a content hash already
	// present in the library.
	FindKey(hash string) (string, bool)
}

// Config holds Manager settings. Zero fields fall back to defaults except
// Uploader and Library, which stay nil (uploads fail, dedup is skipped).
type Config struct {
	MaxAttachments int
	MaxFileSize    int64
	// AllowedImageTypes is the MIME allow-list for web-asset uploads.
	// Workspace uploads accept any MIME type.
	AllowedImageTypes map[string]bool

	Workspace string
	Worktree  string

	Retry    RetryPolicy
	Hash     func([]byte) string
	Sleep    func(context.Context, time.Duration) error
	Library  Library
	Uploader Uploader
}

// DefaultConfig returns the standard attachment limits.
func DefaultConfig() Config {
	return Config{
		MaxAttachments: 10,
		MaxFileSize:    10 << 20,
		AllowedImageTypes: map[string]bool{
			"image/png":  true,
			"image/jpeg": true,
			"image/webp": true,
			"image/gif":  true,
		},
		Retry: DefaultRetryPolicy(),
		Hash:  HashBytes,
		Sleep: sleep,
	}
}

// Manager owns the composer's attachment set. Attachments upload
// independently and concurrently; all state transitions happen under the
// manager's lock.
type Manager struct {
	cfg Config

	mu   sync.Mutex
	atts []*Attachment
	wg   sync.WaitGroup
}

// NewManager returns a Manager with cfg, filling unset defaults.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxAttachments == 0 {
		cfg.MaxAttachments = def.MaxAttachments
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if cfg.AllowedImageTypes == nil {
		cfg.AllowedImageTypes = def.AllowedImageTypes
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = def.Retry
	}
	if cfg.Hash == nil {
		cfg.Hash = def.Hash
	}
	if cfg.Sleep == nil {
		cfg.Sleep = def.Sleep
	}
	return &Manager{cfg: cfg}
}

// AddFile validates and creates a file attachment, then uploads it in the
// background. If the file's content hash is already in the library the upload
// is skipped entirely: the attachment is created as a library-image, or
// rejected with *DuplicateError when that key is already attached.
//
// Validation failures reject synchronously with *ValidationError and create
// nothing; the caller keeps ownership of the preview URL in that case.
func (m *Manager) AddFile(ctx context.Context, src FileSource, target UploadTarget) (*Attachment, error) {
	if int64(len(src.Data)) > m.cfg.MaxFileSize {
		return nil, &ValidationError{Reason: fmt.Sprintf("file %q exceeds the %d byte limit", src.Name, m.cfg.MaxFileSize)}
	}
	if target == TargetWebAsset && !m.cfg.AllowedImageTypes[src.MimeType] {
		return nil, &ValidationError{Reason: fmt.Sprintf("type %q is not an allowed image type", src.MimeType)}
	}

	hash := m.cfg.Hash(src.Data)
	var dedupKey string
	if m.cfg.Library != nil && target == TargetWebAsset {
		if key, ok := m.cfg.Library.FindKey(hash); ok {
			dedupKey = key
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if dedupKey != "" && m.hasKeyLocked(dedupKey) {
		return nil, &DuplicateError{Key: dedupKey}
	}
	if len(m.atts) >= m.cfg.MaxAttachments {
		return nil, ErrTooManyAttachments
	}

	a := &Attachment{
		ID:             NewID(),
		Kind:           KindFileUpload,
		Preview:        src.Preview,
		src:            &src,
		target:         target,
		hash:           hash,
		releasePreview: src.ReleasePreview,
	}
	m.atts = append(m.atts, a)

	if dedupKey != "" {
		// Content already stored server-side: become a library-image without
		// touching the network.
		m.convertToImageLocked(a, dedupKey)
		return a, nil
	}

	m.startUploadLocked(ctx, a)
	return a, nil
}

// AddSkill attaches a reusable named prompt fragment.
func (m *Manager) AddSkill(prompt string) (*Attachment, error) {
	return m.addSimple(&Attachment{ID: NewID(), Kind: KindSkill, Prompt: prompt})
}

// AddSupertemplate attaches a generated template trigger.
func (m *Manager) AddSupertemplate(templateID string) (*Attachment, error) {
	return m.addSimple(&Attachment{ID: NewID(), Kind: KindSupertemplate, TemplateID: templateID})
}

// AddLibraryImage attaches an existing library image by key, in website mode.
func (m *Manager) AddLibraryImage(key string) (*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasKeyLocked(key) {
		return nil, &DuplicateError{Key: key}
	}
	if len(m.atts) >= m.cfg.MaxAttachments {
		return nil, ErrTooManyAttachments
	}
	a := &Attachment{ID: NewID(), Kind: KindLibraryImage, Key: key, Mode: ModeWebsite, UploadProgress: 100}
	if url, err := library.ImageURL(key); err == nil {
		a.Preview = url
	}
	m.atts = append(m.atts, a)
	return a, nil
}

func (m *Manager) addSimple(a *Attachment) (*Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.atts) >= m.cfg.MaxAttachments {
		return nil, ErrTooManyAttachments
	}
	m.atts = append(m.atts, a)
	return a, nil
}

// Remove detaches the attachment in any state: an in-flight upload is
// aborted and the blob preview released exactly once. A second call for the
// same id is a no-op returning false.
func (m *Manager) Remove(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.atts {
		if a.ID != id {
			continue
		}
		if a.cancel != nil {
			a.cancel()
		}
		m.releasePreviewLocked(a)
		m.atts = append(m.atts[:i], m.atts[i+1:]...)
		return true
	}
	return false
}

// ToggleImageMode flips a library image between website and analyze mode.
// Calling it for any other kind is a caller bug.
func (m *Manager) ToggleImageMode(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.findLocked(id)
	if a == nil {
		return fmt.Errorf("toggle mode: %w", ErrUnknownAttachment)
	}
	if a.Kind != KindLibraryImage {
		return fmt.Errorf("toggle mode on %s attachment %s", a.Kind, id)
	}
	if a.Mode == ModeAnalyze {
		a.Mode = ModeWebsite
	} else {
		a.Mode = ModeAnalyze
	}
	return nil
}

// Retry re-runs the upload for a failed file attachment.
func (m *Manager) Retry(ctx context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.findLocked(id)
	if a == nil {
		return fmt.Errorf("retry: %w", ErrUnknownAttachment)
	}
	if a.Kind != KindFileUpload || a.src == nil {
		return fmt.Errorf("retry on %s attachment %s", a.Kind, id)
	}
	a.Err = nil
	m.startUploadLocked(ctx, a)
	return nil
}

// List returns a snapshot of the attachments in insertion order.
func (m *Manager) List() []*Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Attachment, len(m.atts))
	for i, a := range m.atts {
		c := *a
		out[i] = &c
	}
	return out
}

// Get returns a snapshot of one attachment.
func (m *Manager) Get(id ID) (Attachment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.findLocked(id); a != nil {
		return *a, true
	}
	return Attachment{}, false
}

// Wait blocks until all in-flight uploads have settled.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) findLocked(id ID) *Attachment {
	for _, a := range m.atts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (m *Manager) hasKeyLocked(key string) bool {
	for _, a := range m.atts {
		if a.Kind == KindLibraryImage && a.Key == key {
			return true
		}
	}
	return false
}

// convertToImageLocked finishes the library-image transition: key assigned,
// progress 100, website mode, and the blob preview swapped for the served
// URL when the key is well-formed.
func (m *Manager) convertToImageLocked(a *Attachment, key string) {
	a.Kind = KindLibraryImage
	a.Key = key
	a.Mode = ModeWebsite
	a.UploadProgress = 100
	a.Err = nil
	a.src = nil
	if url, err := library.ImageURL(key); err == nil {
		a.Preview = url
		m.releasePreviewLocked(a)
	}
}

func (m *Manager) releasePreviewLocked(a *Attachment) {
	if a.releasePreview != nil && !a.released {
		a.released = true
		a.releasePreview()
	}
}

func (m *Manager) startUploadLocked(parent context.Context, a *Attachment) {
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.runUpload(ctx, a.ID)
	}()
}

// runUpload drives one attachment's upload through the retry policy.
// Cancellation (removal or user abort) is never surfaced as an error.
func (m *Manager) runUpload(ctx context.Context, id ID) {
	m.mu.Lock()
	a := m.findLocked(id)
	if a == nil || a.src == nil {
		m.mu.Unlock()
		return
	}
	req := &UploadRequest{
		FileName:  a.src.Name,
		MimeType:  a.src.MimeType,
		Data:      a.src.Data,
		Target:    a.target,
		Workspace: m.cfg.Workspace,
		Worktree:  m.cfg.Worktree,
	}
	uploader := m.cfg.Uploader
	m.mu.Unlock()

	if uploader == nil {
		m.failUpload(id, &UploadError{Class: ClassUnknown, Err: errors.New("no uploader configured")})
		return
	}

	for retry := 0; ; retry++ {
		res, err := uploader.Upload(ctx, req, func(pct int) { m.setProgress(id, pct) })
		if err == nil {
			m.finishUpload(id, req.Target, res)
			return
		}
		ue := asUploadError(err)
		if ue.Class == ClassAborted {
			return
		}
		if !ue.Retryable() || retry >= m.cfg.Retry.MaxRetries {
			m.failUpload(id, ue)
			return
		}
		delay := m.cfg.Retry.NextDelay(retry + 1)
		slog.Debug("retrying upload", "attachment", id, "class", ue.Class, "delay", delay)
		if err := m.cfg.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

// setProgress applies a monotonic progress update.
func (m *Manager) setProgress(id ID, pct int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.findLocked(id); a != nil && pct > a.UploadProgress {
		a.UploadProgress = pct
	}
}

func (m *Manager) finishUpload(id ID, target UploadTarget, res *UploadResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.findLocked(id)
	if a == nil {
		return
	}
	if target == TargetWebAsset {
		m.convertToImageLocked(a, res.Key)
		return
	}
	a.Kind = KindUploadedFile
	a.WorkspacePath = res.Path
	a.OriginalName = res.OriginalName
	a.MimeType = res.MimeType
	a.Size = res.Size
	a.UploadProgress = 100
	a.Err = nil
	a.src = nil
}

// failUpload records a classified failure. The attachment stays visible so
// the user can retry or remove it.
func (m *Manager) failUpload(id ID, ue *UploadError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.findLocked(id)
	if a == nil {
		return
	}
	a.Err = ue
	a.UploadProgress = 0
	slog.Warn("attachment upload failed", "attachment", id, "class", ue.Class, "err", ue.Err)
}
