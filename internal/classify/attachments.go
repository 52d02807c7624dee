package classify

import (
	"path/filepath"
	"regexp"
	"strings"
)

// AttachmentKind buckets a file path by what the sender collaborator
// should do with it (upload as picture, voice note, video, or plain
// file).
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment is a candidate file path found in output, with its bucket.
// This is informational metadata for the sender; it never influences
// the control-flow decision.
type Attachment struct {
	Path string         `json:"path"`
	Kind AttachmentKind `json:"kind"`
}

// pathPattern matches path-like tokens: something with at least one
// slash and a short extension. Intentionally loose — candidates are
// filtered by extension bucket afterwards.
var pathPattern = regexp.MustCompile(`[A-Za-z0-9_@%+=.~-]*(?:/[A-Za-z0-9_@%+=.-]+)+\.[A-Za-z0-9]{1,6}`)

// extBuckets maps lowercase extensions to attachment kinds. Extensions
// outside these buckets are not attachments worth sending.
var extBuckets = map[string]AttachmentKind{
	".png":  AttachmentImage,
	".jpg":  AttachmentImage,
	".jpeg": AttachmentImage,
	".gif":  AttachmentImage,
	".webp": AttachmentImage,
	".bmp":  AttachmentImage,
	".svg":  AttachmentImage,

	".mp3":  AttachmentAudio,
	".wav":  AttachmentAudio,
	".ogg":  AttachmentAudio,
	".m4a":  AttachmentAudio,
	".flac": AttachmentAudio,
	".amr":  AttachmentAudio,

	".mp4":  AttachmentVideo,
	".mov":  AttachmentVideo,
	".avi":  AttachmentVideo,
	".mkv":  AttachmentVideo,
	".webm": AttachmentVideo,

	".pdf":  AttachmentDocument,
	".doc":  AttachmentDocument,
	".docx": AttachmentDocument,
	".xls":  AttachmentDocument,
	".xlsx": AttachmentDocument,
	".ppt":  AttachmentDocument,
	".pptx": AttachmentDocument,
	".txt":  AttachmentDocument,
	".md":   AttachmentDocument,
	".csv":  AttachmentDocument,
	".log":  AttachmentDocument,
	".json": AttachmentDocument,
	".zip":  AttachmentDocument,
}

// ExtractAttachments pulls candidate file paths from output text,
// deduplicates them preserving first-seen order, and buckets each by
// extension. Paths with unrecognized extensions are dropped.
func ExtractAttachments(stdout string) []Attachment {
	seen := make(map[string]struct{})
	var out []Attachment

	for _, match := range pathPattern.FindAllString(stdout, -1) {
		// Trim trailing punctuation that prose drags along.
		match = strings.TrimRight(match, ".,;:)]}>'\"")
		if _, dup := seen[match]; dup {
			continue
		}
		seen[match] = struct{}{}

		kind, ok := extBuckets[strings.ToLower(filepath.Ext(match))]
		if !ok {
			continue
		}
		out = append(out, Attachment{Path: match, Kind: kind})
	}

	return out
}
