package adpool

import (
	"strconv"

	"github.com/snarg/poem-engine/internal/storage"
)

// Stored metadata keys. Object store user metadata is lower-cased by S3, so
// keys are hyphenated rather than camel-cased.
const (
	KeyInUse         = "in-use"
	KeyUsed          = "used"
	KeyFailed        = "failed"
	KeyURL           = "ad-url"
	KeyTitle         = "ad-title"
	KeyPostedTime    = "ad-posted-time"
	KeyBodyWordCount = "ad-body-word-count"
)

// ProvenanceKeys are copied from a record to the artifact rendered from it.
var ProvenanceKeys = []string{KeyURL, KeyTitle, KeyPostedTime, KeyBodyWordCount}

// Record is one ad in the shared pool.
type Record struct {
	Key string

	InUse  bool
	Used   bool
	Failed bool

	URL        string
	Title      string
	PostedTime string
	// BodyWordCount is -1 when the record carries no count.
	BodyWordCount int

	Metadata map[string]string
}

func recordFrom(obj storage.Object) *Record {
	m := obj.Metadata
	r := &Record{
		Key:           obj.Key,
		InUse:         flag(m, KeyInUse),
		Used:          flag(m, KeyUsed),
		Failed:        flag(m, KeyFailed),
		URL:           m[KeyURL],
		Title:         m[KeyTitle],
		PostedTime:    m[KeyPostedTime],
		BodyWordCount: -1,
		Metadata:      m,
	}
	if n, err := strconv.Atoi(m[KeyBodyWordCount]); err == nil {
		r.BodyWordCount = n
	}
	return r
}

// Provenance returns the provenance fields present on the record.
func (r *Record) Provenance() map[string]string {
	out := make(map[string]string, len(ProvenanceKeys))
	for _, k := range ProvenanceKeys {
		if v, ok := r.Metadata[k]; ok {
			out[k] = v
		}
	}
	return out
}

func flag(m map[string]string, key string) bool {
	return m[key] == "true"
}

func setFlag(m map[string]string, key string, v bool) {
	m[key] = strconv.FormatBool(v)
}
