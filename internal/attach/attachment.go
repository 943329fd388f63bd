// Package attach manages message attachments through their lifecycle:
// creation and validation, content-hash dedup against the user's image
// library, concurrent abortable uploads with retry, and conversion into
// their terminal kinds (library-image, uploaded-file).
package attach

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates the attachment union.
type Kind string

// Attachment kinds.
const (
	// KindFileUpload is transitional: it terminates by converting into
	// KindLibraryImage or KindUploadedFile, or by being removed.
	KindFileUpload    Kind = "file-upload"
	KindLibraryImage  Kind = "library-image"
	KindSupertemplate Kind = "supertemplate"
	KindSkill         Kind = "skill"
	// KindUserPrompt is a deprecated alias of KindSkill kept for stored
	// conversations; new attachments are always created as KindSkill.
	KindUserPrompt   Kind = "user-prompt"
	KindUploadedFile Kind = "uploaded-file"
)

// ImageMode controls how a library image is handed to the agent.
type ImageMode string

// Image modes.
const (
	// ModeWebsite references the image by URL in generated code.
	ModeWebsite ImageMode = "website"
	// ModeAnalyze fetches the image and hands it to the agent as visual
	// input; it is never referenced by URL.
	ModeAnalyze ImageMode = "analyze"
)

// ID is a stable attachment identifier, assigned at creation and never reused.
type ID string

// NewID returns a fresh attachment ID.
func NewID() ID { return ID(uuid.New().String()) }

// FileSource is a locally selected, pasted, or dropped file.
type FileSource struct {
	Name     string
	MimeType string
	Data     []byte

	// Preview is a blob-backed display URL. ReleasePreview revokes it; the
	// attachment takes ownership at creation and must call it exactly once,
	// at removal or on conversion to a non-blob preview.
	Preview        string
	ReleasePreview func()
}

// Attachment is one entry in the composer's attachment set. ID is immutable;
// only Kind, Err, UploadProgress, Preview, and Mode mutate in place.
type Attachment struct {
	ID             ID
	Kind           Kind
	Preview        string
	UploadProgress int
	Err            *UploadError

	// library-image fields.
	Key  string // "{domain}/{hash}"
	Mode ImageMode

	// uploaded-file fields.
	WorkspacePath string
	OriginalName  string
	MimeType      string
	Size          int64

	// skill / user-prompt field.
	Prompt string

	// supertemplate field.
	TemplateID string

	src            *FileSource
	target         UploadTarget
	hash           string
	releasePreview func()
	released       bool
	cancel         func()
}

// ValidationError rejects an attachment before creation. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "attachment rejected: " + e.Reason }

// DuplicateError rejects creating an attachment whose library key is already
// attached. Existing attachments are left untouched.
type DuplicateError struct {
	Key string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("attachment for %q already present", e.Key)
}

// HashBytes is the default content hasher: hex SHA-256.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
