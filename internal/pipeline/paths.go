package pipeline

import (
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Sanitize turns a title into a file name: lower case, no diacritics, no
// punctuation, whitespace runs joined with hyphens.
func Sanitize(title string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), title)
	if err != nil {
		folded = title
	}
	folded = cases.Lower(language.Und).String(folded)

	var b strings.Builder
	pendingDash := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '/':
			pendingDash = true
		}
	}
	if b.Len() == 0 {
		return "untitled"
	}
	return b.String()
}

// ArtifactKey returns <collection>/<destination>/<sanitized title>.mp4.
func ArtifactKey(collection, destination, title string) string {
	return path.Join(collection, destination, Sanitize(title)+".mp4")
}

// workspace is the per-job scratch directory tree.
type workspace struct {
	root  string
	image string
	frame string
	audio string
	video string
	text  string
}

func newWorkspace(root string) workspace {
	return workspace{
		root:  root,
		image: filepath.Join(root, "image"),
		frame: filepath.Join(root, "image", "frame"),
		audio: filepath.Join(root, "audio"),
		video: filepath.Join(root, "video"),
		text:  filepath.Join(root, "text"),
	}
}

func (w workspace) dirs() []string {
	return []string{w.image, w.frame, w.audio, w.video, w.text}
}

// frameRef is how manifests in the video directory refer to a frame.
func frameRef(name string) string {
	return "../image/frame/" + name
}
