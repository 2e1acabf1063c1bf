package pipeline

import "strings"

// Source names the text source a request selects.
type Source string

const (
	SourceRecord    Source = "record"
	SourceRecordDir Source = "record-dir"
	SourceURL       Source = "url"
	SourceLocalFile Source = "local-file"
)

// Request is a job submission. Exactly one of BucketPath, SourceBucketDir,
// URL and LocalFile selects the text.
type Request struct {
	BucketPath      string `json:"bucketPath,omitempty"`
	SourceBucketDir string `json:"sourceBucketDir,omitempty"`
	URL             string `json:"url,omitempty"`
	LocalFile       string `json:"localFile,omitempty"`

	DestinationBucketDir string `json:"destinationBucketDir,omitempty"`

	// Preserve leaves a record reusable instead of marking it used.
	Preserve     bool `json:"preserve,omitempty"`
	MinWordCount int  `json:"minWordCount,omitempty"`

	Voice        string   `json:"voice,omitempty"`
	SpeakingRate *float64 `json:"speakingRate,omitempty"`
	Pitch        *float64 `json:"pitch,omitempty"`
	ImageFlavor  []string `json:"imageFlavor,omitempty"`
}

// Source returns the selected text source. It is only meaningful after
// Validate succeeds.
func (r *Request) Source() Source {
	switch {
	case r.BucketPath != "":
		return SourceRecord
	case r.SourceBucketDir != "":
		return SourceRecordDir
	case r.URL != "":
		return SourceURL
	default:
		return SourceLocalFile
	}
}

// Validate checks selector exclusivity and the destination, trimming fields
// in place. A directory scan with no destination renders into a directory of
// the same name.
func (r *Request) Validate() error {
	r.BucketPath = strings.TrimSpace(r.BucketPath)
	r.SourceBucketDir = strings.Trim(strings.TrimSpace(r.SourceBucketDir), "/")
	r.URL = strings.TrimSpace(r.URL)
	r.LocalFile = strings.TrimSpace(r.LocalFile)
	r.DestinationBucketDir = strings.Trim(strings.TrimSpace(r.DestinationBucketDir), "/")

	var selected []string
	for name, v := range map[string]string{
		"bucketPath":      r.BucketPath,
		"sourceBucketDir": r.SourceBucketDir,
		"url":             r.URL,
		"localFile":       r.LocalFile,
	} {
		if v != "" {
			selected = append(selected, name)
		}
	}
	switch len(selected) {
	case 0:
		return invalid("one of bucketPath, sourceBucketDir, url or localFile is required")
	case 1:
	default:
		return invalid("only one text source may be given, got %d", len(selected))
	}

	if r.DestinationBucketDir == "" {
		if r.SourceBucketDir == "" {
			return invalid("destinationBucketDir is required")
		}
		r.DestinationBucketDir = r.SourceBucketDir
	}
	for name, v := range map[string]string{
		"bucketPath":           r.BucketPath,
		"sourceBucketDir":      r.SourceBucketDir,
		"destinationBucketDir": r.DestinationBucketDir,
	} {
		if hasParentSegment(v) {
			return invalid("%s may not contain '..'", name)
		}
	}
	if r.MinWordCount < 0 {
		return invalid("minWordCount must not be negative")
	}
	if r.SpeakingRate != nil && (*r.SpeakingRate < 0.25 || *r.SpeakingRate > 4) {
		return invalid("speakingRate must be between 0.25 and 4")
	}
	return nil
}

func hasParentSegment(key string) bool {
	for _, seg := range strings.FieldsFunc(key, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}
