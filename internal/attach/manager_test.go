package attach

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeUploader scripts per-call outcomes: errs are consumed one per call, a
// nil entry (or exhaustion) means success with res.
type fakeUploader struct {
	mu    sync.Mutex
	calls int
	errs  []error
	res   UploadResult
}

func (f *fakeUploader) Upload(ctx context.Context, req *UploadRequest, progress func(int)) (*UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if progress != nil {
		progress(50)
		progress(100)
	}
	r := f.res
	return &r, nil
}

func (f *fakeUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLibrary map[string]string

func (l fakeLibrary) FindKey(hash string) (string, bool) {
	key, ok := l[hash]
	return key, ok
}

func noSleep(context.Context, time.Duration) error { return nil }

func pngSource(name string, data []byte) FileSource {
	return FileSource{Name: name, MimeType: "image/png", Data: data, Preview: "blob:" + name}
}

func TestAddFileValidation(t *testing.T) {
	m := NewManager(Config{MaxFileSize: 4, Uploader: &fakeUploader{}})

	var ve *ValidationError
	_, err := m.AddFile(context.Background(), pngSource("big.png", []byte("12345")), TargetWebAsset)
	if !errors.As(err, &ve) {
		t.Errorf("oversize file = %v, want *ValidationError", err)
	}
	_, err = m.AddFile(context.Background(), FileSource{Name: "a.pdf", MimeType: "application/pdf", Data: []byte("x")}, TargetWebAsset)
	if !errors.As(err, &ve) {
		t.Errorf("disallowed mime for web asset = %v, want *ValidationError", err)
	}
	// Workspace uploads have no MIME allow-list.
	if _, err := m.AddFile(context.Background(), FileSource{Name: "a.pdf", MimeType: "application/pdf", Data: []byte("x")}, TargetWorkspace); err != nil {
		t.Errorf("pdf to workspace = %v, want nil", err)
	}
	if got := len(m.List()); got != 1 {
		t.Errorf("attachment count = %d, want 1 (rejections create nothing)", got)
	}
}

func TestWebAssetUploadConvertsToLibraryImage(t *testing.T) {
	released := 0
	up := &fakeUploader{res: UploadResult{Key: "example.com/abc123"}}
	m := NewManager(Config{Uploader: up, Sleep: noSleep})

	src := pngSource("shot.png", []byte("img"))
	src.ReleasePreview = func() { released++ }
	a, err := m.AddFile(context.Background(), src, TargetWebAsset)
	if err != nil {
		t.Fatal(err)
	}
	m.Wait()

	got, ok := m.Get(a.ID)
	if !ok {
		t.Fatal("attachment gone after upload")
	}
	if got.Kind != KindLibraryImage || got.Key != "example.com/abc123" || got.Mode != ModeWebsite {
		t.Errorf("after upload = %+v, want library-image example.com/abc123 in website mode", got)
	}
	if got.UploadProgress != 100 {
		t.Errorf("progress = %d, want 100", got.UploadProgress)
	}
	if want := "/_images/t/example.com/o/abc123/v/orig.webp"; got.Preview != want {
		t.Errorf("preview = %q, want %q", got.Preview, want)
	}
	if released != 1 {
		t.Errorf("blob preview released %d times, want exactly 1", released)
	}
	// Removal after conversion must not release again.
	m.Remove(a.ID)
	if released != 1 {
		t.Errorf("released %d times after removal, want still 1", released)
	}
}

func TestWorkspaceUploadBecomesUploadedFile(t *testing.T) {
	up := &fakeUploader{res: UploadResult{Path: "uploads/report.pdf", OriginalName: "report.pdf", Size: 1234, MimeType: "application/pdf"}}
	m := NewManager(Config{Uploader: up, Sleep: noSleep, Workspace: "ws1", Worktree: "wt1"})

	a, err := m.AddFile(context.Background(), FileSource{Name: "report.pdf", MimeType: "application/pdf", Data: []byte("pdf")}, TargetWorkspace)
	if err != nil {
		t.Fatal(err)
	}
	m.Wait()

	got, _ := m.Get(a.ID)
	if got.Kind != KindUploadedFile || got.WorkspacePath != "uploads/report.pdf" || got.Size != 1234 {
		t.Errorf("after upload = %+v, want uploaded-file at uploads/report.pdf", got)
	}
	if got.UploadProgress != 100 || got.Err != nil {
		t.Errorf("progress=%d err=%v, want 100 and nil", got.UploadProgress, got.Err)
	}
}

func TestServerErrorsRetryThenSucceed(t *testing.T) {
	serverErr := &UploadError{Class: ClassServer, Status: 503, Err: errors.New("service unavailable")}
	up := &fakeUploader{
		errs: []error{serverErr, serverErr, serverErr},
		res:  UploadResult{Key: "example.com/retried"},
	}
	m := NewManager(Config{Uploader: up, Sleep: noSleep})

	a, err := m.AddFile(context.Background(), pngSource("flaky.png", []byte("x")), TargetWebAsset)
	if err != nil {
		t.Fatal(err)
	}
	m.Wait()

	if got := up.callCount(); got != 4 {
		t.Errorf("upload attempts = %d, want 4 (3 failures + success)", got)
	}
	got, _ := m.Get(a.ID)
	if got.Kind != KindLibraryImage || got.Key != "example.com/retried" {
		t.Errorf("after retries = %+v, want converted library-image", got)
	}
	if got.Err != nil {
		t.Errorf("Err = %v, want nil after eventual success", got.Err)
	}
}

func TestRetriesExhaustedSurfacesFailure(t *testing.T) {
	serverErr := &UploadError{Class: ClassServer, Status: 503, Err: errors.New("down")}
	up := &fakeUploader{errs: []error{serverErr, serverErr, serverErr, serverErr}}
	m := NewManager(Config{Uploader: up, Sleep: noSleep, Retry: RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond}})

	a, err := m.AddFile(context.Background(), pngSource("dead.png", []byte("x")), TargetWebAsset)
	if err != nil {
		t.Fatal(err)
	}
	m.Wait()

	if got := up.callCount(); got != 4 {
		t.Errorf("upload attempts = %d, want 4", got)
	}
	got, _ := m.Get(a.ID)
	if got.Err == nil || got.Err.Class != ClassServer {
		t.Fatalf("Err = %v, want server-class failure", got.Err)
	}
	if got.UploadProgress != 0 {
		t.Errorf("progress = %d, want reset to 0 on failure", got.UploadProgress)
	}
	if got.Kind != KindFileUpload {
		t.Errorf("kind = %s, want still file-upload (retryable by the user)", got.Kind)
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	up := &fakeUploader{errs: []error{&UploadError{Class: ClassUnauthorized, Status: 401, Err: errors.New("nope")}}}
	m := NewManager(Config{Uploader: up, Sleep: noSleep})

	a, err := m.AddFile(context.Background(), pngSource("secret.png", []byte("x")), TargetWebAsset)
	if err != nil {
		t.Fatal(err)
	}
	m.Wait()

	if got := up.callCount(); got != 1 {
		t.Errorf("upload attempts = %d, want 1 (auth errors never retry)", got)
	}
	got, _ := m.Get(a.ID)
	if got.Err == nil || got.Err.Class != ClassUnauthorized {
		t.Fatalf("Err = %v, want unauthorized", got.Err)
	}

	// Manual retry runs the upload again; the backend recovered.
	up.mu.Lock()
	up.res = UploadResult{Key: "example.com/ok"}
	up.mu.Unlock()
	if err := m.Retry(context.Background(), a.ID); err != nil {
		t.Fatal(err)
	}
	m.Wait()
	got, _ = m.Get(a.ID)
	if got.Kind != KindLibraryImage || got.Err != nil {
		t.Errorf("after manual retry = %+v, want converted with nil Err", got)
	}
}

func TestAbortedUploadIsSilent(t *testing.T) {
	up := &fakeUploader{errs: []error{&UploadError{Class: ClassAborted, Err: context.Canceled}}}
	m := NewManager(Config{Uploader: up, Sleep: noSleep})

	a, err := m.AddFile(context.Background(), pngSource("gone.png", []byte("x")), TargetWebAsset)
	if err != nil {
		t.Fatal(err)
	}
	m.Wait()

	got, _ := m.Get(a.ID)
	if got.Err != nil {
		t.Errorf("Err = %v, want nil (cancellation is not a failure)", got.Err)
	}
	if up.callCount() != 1 {
		t.Errorf("upload attempts = %d, want 1", up.callCount())
	}
}

func TestDedupSkipsUpload(t *testing.T) {
	data := []byte("already uploaded")
	lib := fakeLibrary{HashBytes(data): "example.com/dedup1"}
	up := &fakeUploader{}
	m := NewManager(Config{Uploader: up, Library: lib, Sleep: noSleep})

	a, err := m.AddFile(context.Background(), pngSource("dup.png", data), TargetWebAsset)
	if err != nil {
		t.Fatal(err)
	}
	if a.Kind != KindLibraryImage || a.Key != "example.com/dedup1" {
		t.Fatalf("dedup hit = %+v, want immediate library-image", a)
	}
	m.Wait()
	if up.callCount() != 0 {
		t.Errorf("upload attempts = %d, want 0 for a library hit", up.callCount())
	}

	// Same content again: the key is already attached.
	var de *DuplicateError
	_, err = m.AddFile(context.Background(), pngSource("dup2.png", data), TargetWebAsset)
	if !errors.As(err, &de) || de.Key != "example.com/dedup1" {
		t.Errorf("second add = %v, want *DuplicateError for example.com/dedup1", err)
	}
	if got := len(m.List()); got != 1 {
		t.Errorf("attachment count = %d, want 1", got)
	}
}

func TestAttachmentCap(t *testing.T) {
	m := NewManager(Config{MaxAttachments: 2, Uploader: &fakeUploader{}})
	if _, err := m.AddSkill("one"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddSupertemplate("tpl-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddSkill("three"); !errors.Is(err, ErrTooManyAttachments) {
		t.Errorf("over cap = %v, want ErrTooManyAttachments", err)
	}
	if got := len(m.List()); got != 2 {
		t.Errorf("attachment count = %d, want 2", got)
	}
}

func TestAddLibraryImage(t *testing.T) {
	m := NewManager(Config{})
	a, err := m.AddLibraryImage("example.com/abc")
	if err != nil {
		t.Fatal(err)
	}
	if a.Mode != ModeWebsite || a.UploadProgress != 100 {
		t.Errorf("library image = %+v, want website mode at 100%%", a)
	}
	var de *DuplicateError
	if _, err := m.AddLibraryImage("example.com/abc"); !errors.As(err, &de) {
		t.Errorf("duplicate key = %v, want *DuplicateError", err)
	}
}

func TestToggleImageMode(t *testing.T) {
	m := NewManager(Config{})
	img, err := m.AddLibraryImage("example.com/abc")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ToggleImageMode(img.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Get(img.ID); got.Mode != ModeAnalyze {
		t.Errorf("mode = %s, want analyze", got.Mode)
	}
	if err := m.ToggleImageMode(img.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Get(img.ID); got.Mode != ModeWebsite {
		t.Errorf("mode = %s, want website again", got.Mode)
	}

	skill, _ := m.AddSkill("not an image")
	if err := m.ToggleImageMode(skill.ID); err == nil {
		t.Error("toggling a skill should fail")
	}
	if err := m.ToggleImageMode(ID("missing")); !errors.Is(err, ErrUnknownAttachment) {
		t.Errorf("unknown id = %v, want ErrUnknownAttachment", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	released := 0
	up := &fakeUploader{res: UploadResult{Path: "uploads/x"}}
	m := NewManager(Config{Uploader: up, Sleep: noSleep})
	src := FileSource{Name: "x", MimeType: "text/plain", Data: []byte("x"), Preview: "blob:x", ReleasePreview: func() { released++ }}
	a, err := m.AddFile(context.Background(), src, TargetWorkspace)
	if err != nil {
		t.Fatal(err)
	}
	m.Wait()

	if !m.Remove(a.ID) {
		t.Fatal("first Remove = false, want true")
	}
	if m.Remove(a.ID) {
		t.Error("second Remove = true, want false")
	}
	if released != 1 {
		t.Errorf("preview released %d times, want 1", released)
	}
	if _, ok := m.Get(a.ID); ok {
		t.Error("attachment still present after Remove")
	}
}

func TestNextDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second}, // capped
		{10, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := p.NextDelay(tc.retry); got != tc.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}
