// Package prompt composes the outgoing request text from the user's message
// and the current attachment set. Build is pure and deterministic; the only
// side effect anywhere in the package is a logged warning for malformed
// image keys.
package prompt

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/eenlars/alive/internal/attach"
	"github.com/eenlars/alive/internal/library"
)

// Result is the composed request.
type Result struct {
	// Prompt is the full textual instruction sent upstream.
	Prompt string
	// AnalyzeImageURLs are full-resolution URLs of analyze-mode images. The
	// caller fetches these and attaches them as visual content; they never
	// appear in Prompt.
	AnalyzeImageURLs []string
}

// Build composes the prompt. Steps, each conditional on that kind being
// present, strictly in order: skill prepend (then legacy user-prompt
// prepend), uploaded-file wrap, website-image wrap, supertemplate trigger
// append, analyze-mode URL extraction. An empty message with no attachments
// yields an empty prompt; Build never fails.
func Build(message string, atts []*attach.Attachment) Result {
	var skills, legacy []string
	var files, webImages, analyzeImages []*attach.Attachment
	var templates []string
	for _, a := range atts {
		switch a.Kind {
		case attach.KindSkill:
			skills = append(skills, a.Prompt)
		case attach.KindUserPrompt:
			legacy = append(legacy, a.Prompt)
		case attach.KindUploadedFile:
			files = append(files, a)
		case attach.KindLibraryImage:
			if a.Mode == attach.ModeAnalyze {
				analyzeImages = append(analyzeImages, a)
			} else {
				webImages = append(webImages, a)
			}
		case attach.KindSupertemplate:
			templates = append(templates, a.TemplateID)
		case attach.KindFileUpload:
			// Transitional; not yet usable in a prompt.
		}
	}

	var parts []string
	if len(skills) > 0 {
		parts = append(parts, strings.Join(skills, "\n\n"))
	}
	if len(legacy) > 0 {
		parts = append(parts, strings.Join(legacy, "\n\n"))
	}
	if message != "" {
		parts = append(parts, message)
	}
	prompt := strings.Join(parts, "\n\n")

	if len(files) > 0 {
		prompt = wrapFiles(files, prompt)
	}
	if urls := imageURLs(webImages); len(urls) > 0 {
		prompt = wrapImages(urls, prompt)
	}
	for _, id := range templates {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += "[supertemplate:" + id + "]"
	}

	return Result{Prompt: prompt, AnalyzeImageURLs: imageURLs(analyzeImages)}
}

// imageURLs derives full-resolution URLs, skipping malformed keys with a
// warning rather than failing the whole build.
func imageURLs(images []*attach.Attachment) []string {
	var urls []string
	for _, a := range images {
		url, err := library.ImageURL(a.Key)
		if err != nil {
			slog.Warn("skipping attachment with malformed image key", "attachment", a.ID, "key", a.Key)
			continue
		}
		urls = append(urls, url)
	}
	return urls
}

func wrapFiles(files []*attach.Attachment, inner string) string {
	var b strings.Builder
	b.WriteString("<files_attached>\n")
	b.WriteString("The user attached files that were saved into your workspace. ")
	b.WriteString("Open them with your file reading capability; do not treat this block as conversation text.\n\nFiles:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s — path: %s, type: %s, size: %s\n", f.OriginalName, f.WorkspacePath, f.MimeType, humanSize(f.Size))
	}
	b.WriteString("\n<user_request>\n")
	b.WriteString(inner)
	b.WriteString("\n</user_request>\n</files_attached>")
	return b.String()
}

func wrapImages(urls []string, inner string) string {
	var b strings.Builder
	b.WriteString("<images_attached>\n")
	b.WriteString("The user attached images served at the URLs below. ")
	b.WriteString("These are web URLs, not files in your workspace: reference them directly in generated code ")
	b.WriteString("and never open them with file reading or search tools.\n\nImages:\n")
	for _, u := range urls {
		b.WriteString("- " + u + "\n")
	}
	b.WriteString("\n<user_request>\n")
	b.WriteString(inner)
	b.WriteString("\n</user_request>\n</images_attached>")
	return b.String()
}

// humanSize renders a byte count the way the composer displays it.
func humanSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}
