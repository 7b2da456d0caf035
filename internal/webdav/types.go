package webdav

import (
	"io"
	"time"

	"github.com/tonimelisma/davbridge/internal/davpath"
)

// Depth is the PROPFIND Depth header value.
type Depth int

// Supported listing depths. Infinite depth is not supported.
const (
	DepthSelf     Depth = 0
	DepthChildren Depth = 1
)

// Entry is the normalized description of one remote file or directory.
// Optional properties use sentinels: "" for an absent ETag, the zero time for
// an absent LastModified, -1 for unknown lengths and quotas.
type Entry struct {
	Path           davpath.Path
	IsDir          bool
	ETag           string
	LastModified   time.Time
	ContentLength  int64
	ContentType    string
	Pending        bool
	QuotaUsed      int64
	QuotaAvailable int64
}

// Name returns the entry's final path segment.
func (e Entry) Name() string {
	return e.Path.Name()
}

// HasQuota reports whether both quota properties were advertised.
func (e Entry) HasQuota() bool {
	return e.QuotaUsed >= 0 && e.QuotaAvailable >= 0
}

// NewPendingEntry describes a file created locally whose upload has not been
// confirmed by the server yet.
func NewPendingEntry(p davpath.Path, contentType string) Entry {
	return Entry{
		Path:           p,
		ContentLength:  -1,
		ContentType:    contentType,
		Pending:        true,
		QuotaUsed:      -1,
		QuotaAvailable: -1,
	}
}

// Listing is the result of a PROPFIND: exactly one self entry plus the
// entries found beneath it.
type Listing struct {
	Self     Entry
	Children []Entry
}

// Stream is a live response body from Fetch. Length is the length declared
// for this response (the remaining bytes from the requested offset), or -1.
type Stream struct {
	Body   io.ReadCloser
	Length int64
	ETag   string
}
