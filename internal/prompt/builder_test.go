package prompt

import (
	"strings"
	"testing"

	"github.com/eenlars/alive/internal/attach"
)

func skill(text string) *attach.Attachment {
	return &attach.Attachment{ID: attach.NewID(), Kind: attach.KindSkill, Prompt: text}
}

func libraryImage(key string, mode attach.ImageMode) *attach.Attachment {
	return &attach.Attachment{ID: attach.NewID(), Kind: attach.KindLibraryImage, Key: key, Mode: mode}
}

func TestBuildPlainMessage(t *testing.T) {
	r := Build("just the message", nil)
	if r.Prompt != "just the message" {
		t.Errorf("Prompt = %q, want the bare message", r.Prompt)
	}
	if len(r.AnalyzeImageURLs) != 0 {
		t.Errorf("AnalyzeImageURLs = %v, want none", r.AnalyzeImageURLs)
	}
}

func TestBuildEmpty(t *testing.T) {
	if r := Build("", nil); r.Prompt != "" {
		t.Errorf("Prompt = %q, want empty", r.Prompt)
	}
}

func TestSkillsPrependInOrder(t *testing.T) {
	r := Build("hi", []*attach.Attachment{skill("A"), skill("B")})
	if want := "A\n\nB\n\nhi"; r.Prompt != want {
		t.Errorf("Prompt = %q, want %q", r.Prompt, want)
	}
}

func TestSkillsWithEmptyMessage(t *testing.T) {
	r := Build("", []*attach.Attachment{skill("A")})
	if r.Prompt != "A" {
		t.Errorf("Prompt = %q, want %q", r.Prompt, "A")
	}
}

func TestLegacyUserPromptAfterSkills(t *testing.T) {
	atts := []*attach.Attachment{
		{ID: attach.NewID(), Kind: attach.KindUserPrompt, Prompt: "old"},
		skill("new"),
	}
	r := Build("msg", atts)
	if want := "new\n\nold\n\nmsg"; r.Prompt != want {
		t.Errorf("Prompt = %q, want %q", r.Prompt, want)
	}
}

func TestWebsiteImageWrap(t *testing.T) {
	r := Build("add this to the hero section", []*attach.Attachment{
		libraryImage("example.com/abc123", attach.ModeWebsite),
	})
	wantURL := "/_images/t/example.com/o/abc123/v/orig.webp"
	if !strings.Contains(r.Prompt, "- "+wantURL+"\n") {
		t.Errorf("Prompt missing image URL %q:\n%s", wantURL, r.Prompt)
	}
	if !strings.HasPrefix(r.Prompt, "<images_attached>\n") || !strings.HasSuffix(r.Prompt, "</images_attached>") {
		t.Errorf("Prompt not wrapped in images_attached:\n%s", r.Prompt)
	}
	if !strings.Contains(r.Prompt, "<user_request>\nadd this to the hero section\n</user_request>") {
		t.Errorf("user message not nested in user_request:\n%s", r.Prompt)
	}
	if len(r.AnalyzeImageURLs) != 0 {
		t.Errorf("AnalyzeImageURLs = %v, want none for website mode", r.AnalyzeImageURLs)
	}
}

func TestAnalyzeImageLeavesPromptUntouched(t *testing.T) {
	r := Build("look", []*attach.Attachment{
		libraryImage("example.com/abc123", attach.ModeAnalyze),
	})
	if r.Prompt != "look" {
		t.Errorf("Prompt = %q, want %q unchanged", r.Prompt, "look")
	}
	want := "/_images/t/example.com/o/abc123/v/orig.webp"
	if len(r.AnalyzeImageURLs) != 1 || r.AnalyzeImageURLs[0] != want {
		t.Errorf("AnalyzeImageURLs = %v, want [%s]", r.AnalyzeImageURLs, want)
	}
}

func TestUploadedFileWrap(t *testing.T) {
	file := &attach.Attachment{
		ID:            attach.NewID(),
		Kind:          attach.KindUploadedFile,
		OriginalName:  "report.pdf",
		WorkspacePath: "uploads/report.pdf",
		MimeType:      "application/pdf",
		Size:          2560,
	}
	r := Build("summarize this", []*attach.Attachment{file})
	if !strings.HasPrefix(r.Prompt, "<files_attached>\n") || !strings.HasSuffix(r.Prompt, "</files_attached>") {
		t.Fatalf("Prompt not wrapped in files_attached:\n%s", r.Prompt)
	}
	wantLine := "- report.pdf — path: uploads/report.pdf, type: application/pdf, size: 2.5 KB"
	if !strings.Contains(r.Prompt, wantLine) {
		t.Errorf("Prompt missing file line %q:\n%s", wantLine, r.Prompt)
	}
	if !strings.Contains(r.Prompt, "<user_request>\nsummarize this\n</user_request>") {
		t.Errorf("user message not nested:\n%s", r.Prompt)
	}
}

func TestFilesWrapInsideImagesWrap(t *testing.T) {
	atts := []*attach.Attachment{
		libraryImage("example.com/img", attach.ModeWebsite),
		{ID: attach.NewID(), Kind: attach.KindUploadedFile, OriginalName: "a.txt", WorkspacePath: "uploads/a.txt", MimeType: "text/plain", Size: 10},
	}
	r := Build("both", atts)
	fileIdx := strings.Index(r.Prompt, "<files_attached>")
	imgIdx := strings.Index(r.Prompt, "<images_attached>")
	if imgIdx != 0 || fileIdx < imgIdx {
		t.Errorf("images wrap should be outermost (file=%d img=%d):\n%s", fileIdx, imgIdx, r.Prompt)
	}
}

func TestSupertemplateAppend(t *testing.T) {
	atts := []*attach.Attachment{
		{ID: attach.NewID(), Kind: attach.KindSupertemplate, TemplateID: "tpl-9"},
	}
	r := Build("build it", atts)
	if want := "build it\n\n[supertemplate:tpl-9]"; r.Prompt != want {
		t.Errorf("Prompt = %q, want %q", r.Prompt, want)
	}
	// Alone, no separator.
	r = Build("", atts)
	if want := "[supertemplate:tpl-9]"; r.Prompt != want {
		t.Errorf("Prompt = %q, want %q", r.Prompt, want)
	}
}

func TestMalformedImageKeySkipped(t *testing.T) {
	r := Build("msg", []*attach.Attachment{
		libraryImage("no-slash-here", attach.ModeWebsite),
		libraryImage("example.com/ok", attach.ModeWebsite),
	})
	if strings.Contains(r.Prompt, "no-slash-here") {
		t.Errorf("malformed key leaked into prompt:\n%s", r.Prompt)
	}
	if !strings.Contains(r.Prompt, "/_images/t/example.com/o/ok/v/orig.webp") {
		t.Errorf("valid key missing from prompt:\n%s", r.Prompt)
	}
}

func TestPendingUploadIgnored(t *testing.T) {
	r := Build("wait for it", []*attach.Attachment{
		{ID: attach.NewID(), Kind: attach.KindFileUpload},
	})
	if r.Prompt != "wait for it" {
		t.Errorf("Prompt = %q, want the bare message", r.Prompt)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	atts := []*attach.Attachment{
		skill("A"),
		libraryImage("example.com/x", attach.ModeWebsite),
		{ID: attach.NewID(), Kind: attach.KindSupertemplate, TemplateID: "t"},
	}
	a := Build("m", atts)
	b := Build("m", atts)
	if a.Prompt != b.Prompt {
		t.Errorf("Build not deterministic:\n%q\n%q", a.Prompt, b.Prompt)
	}
}

func TestHumanSize(t *testing.T) {
	cases := []struct {
		n    int64
		want string
	}{
		{512, "512 B"},
		{2560, "2.5 KB"},
		{3 << 20, "3.0 MB"},
	}
	for _, tc := range cases {
		if got := humanSize(tc.n); got != tc.want {
			t.Errorf("humanSize(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}
