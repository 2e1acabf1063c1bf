package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snarg/poem-engine/internal/adpool"
	"github.com/snarg/poem-engine/internal/textsource"
	"github.com/snarg/poem-engine/internal/timing"
)

func TestRequestValidate(t *testing.T) {
	rate := func(v float64) *float64 { return &v }

	tests := []struct {
		name    string
		req     Request
		wantErr bool
		source  Source
		dest    string
	}{
		{name: "no selector", req: Request{DestinationBucketDir: "d"}, wantErr: true},
		{name: "two selectors", req: Request{BucketPath: "a", LocalFile: "b", DestinationBucketDir: "d"}, wantErr: true},
		{name: "record without destination", req: Request{BucketPath: "ads/a.txt"}, wantErr: true},
		{name: "url without destination", req: Request{URL: "https://x"}, wantErr: true},
		{name: "record", req: Request{BucketPath: " ads/a.txt ", DestinationBucketDir: "/out/"}, source: SourceRecord, dest: "out"},
		{name: "dir defaults destination", req: Request{SourceBucketDir: "ads/"}, source: SourceRecordDir, dest: "ads"},
		{name: "dir with destination", req: Request{SourceBucketDir: "ads", DestinationBucketDir: "x"}, source: SourceRecordDir, dest: "x"},
		{name: "url", req: Request{URL: "https://x", DestinationBucketDir: "d"}, source: SourceURL, dest: "d"},
		{name: "local file", req: Request{LocalFile: "ad.txt", DestinationBucketDir: "d"}, source: SourceLocalFile, dest: "d"},
		{name: "parent traversal", req: Request{LocalFile: "ad.txt", DestinationBucketDir: "../etc"}, wantErr: true},
		{name: "record outside store", req: Request{BucketPath: "../secret.txt", DestinationBucketDir: "d"}, wantErr: true},
		{name: "nested record outside store", req: Request{BucketPath: "ads/../../secret.txt", DestinationBucketDir: "d"}, wantErr: true},
		{name: "dir outside store", req: Request{SourceBucketDir: "ads/.."}, wantErr: true},
		{name: "dots inside a name", req: Request{BucketPath: "ads/a..b.txt", DestinationBucketDir: "d"}, source: SourceRecord, dest: "d"},
		{name: "negative word count", req: Request{SourceBucketDir: "ads", MinWordCount: -1}, wantErr: true},
		{name: "rate out of range", req: Request{SourceBucketDir: "ads", SpeakingRate: rate(9)}, wantErr: true},
		{name: "rate in range", req: Request{SourceBucketDir: "ads", SpeakingRate: rate(0.85)}, source: SourceRecordDir, dest: "ads"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindInvalidOptions, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.source, req.Source())
			assert.Equal(t, tt.dest, req.DestinationBucketDir)
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{newError(KindRecordFile, "load", errors.New("x")), KindRecordFile},
		{fmt.Errorf("job: %w", newError(KindNoTimedEntities, "align", timing.ErrNoTimedEntities)), KindNoTimedEntities},
		{fmt.Errorf("wrapped: %w", adpool.ErrNoAdAvailable), KindNoAdAvailable},
		{timing.ErrNoTimedEntities, KindNoTimedEntities},
		{textsource.ErrEmpty, KindRecordFile},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
}

func TestKindHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindInvalidOptions.HTTPStatus())
	assert.Equal(t, http.StatusConflict, KindNoAdAvailable.HTTPStatus())
	assert.Equal(t, http.StatusUnprocessableEntity, KindNoTimedEntities.HTTPStatus())
	assert.Equal(t, http.StatusUnprocessableEntity, KindRecordFile.HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, KindExternalService.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindInternal.HTTPStatus())
}

func TestErrorFormatting(t *testing.T) {
	err := newError(KindExternalService, "transcribe", errors.New("HTTP 500"))
	assert.Equal(t, "ExternalServiceFailure: transcribe: HTTP 500", err.Error())
	assert.Equal(t, "ExternalServiceFailure", err.ErrorKind())

	wrapped := wrap(KindInternal, "outer", err)
	assert.Same(t, err, wrapped)
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Vintage Record Player!", "vintage-record-player"},
		{"  Sofa -- like NEW  ", "sofa-like-new"},
		{"Café Crème", "cafe-creme"},
		{"2 chairs / 1 table", "2-chairs-1-table"},
		{"\"Free\" stuff's here", "free-stuffs-here"},
		{"!!!", "untitled"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestArtifactKey(t *testing.T) {
	assert.Equal(t, "craigslist/seattle/sofa.mp4", ArtifactKey("craigslist", "seattle", "Sofa"))
	assert.Equal(t, "craigslist/a/b/sofa.mp4", ArtifactKey("craigslist", "a/b", "Sofa"))
}
