package cache

import (
	"context"
	"net/http"
	"time"
)

// Response is a fetched or stored HTTP response.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// Clone returns a deep copy so callers never share header maps or body slices
// with a stored entry.
func (r Response) Clone() Response {
	out := Response{Status: r.Status, Header: r.Header.Clone()}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// OK reports whether the response carries a 2xx status.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Entry is one cached request/response pair. Entries are written whole; a
// write for an existing key replaces the entry and moves it to the newest
// insertion position.
type Entry struct {
	Method   string    `json:"method"`
	URL      string    `json:"url"`
	Response Response  `json:"response"`
	StoredAt time.Time `json:"storedAt"`
}

func cloneEntry(in Entry) Entry {
	out := in
	out.Response = in.Response.Clone()
	return out
}

// ExpirationPolicy bounds a bucket by entry count and marks entries stale by age.
// Zero values disable the respective limit.
type ExpirationPolicy struct {
	MaxEntries int
	MaxAge     time.Duration
}

// Stale reports whether entry is older than the policy's max age at now.
func (p ExpirationPolicy) Stale(entry Entry, now time.Time) bool {
	if p.MaxAge <= 0 {
		return false
	}
	return now.Sub(entry.StoredAt) > p.MaxAge
}

// Backend is the storage primitive behind the Manager. Implementations keep
// insertion order per bucket so Trim can drop the oldest entries first.
type Backend interface {
	Lookup(ctx context.Context, bucket, key string) (Entry, bool, error)
	Store(ctx context.Context, bucket, key string, entry Entry) error
	// Trim removes the oldest entries until at most max remain and returns how
	// many were removed.
	Trim(ctx context.Context, bucket string, max int) (int, error)
	DeleteBucket(ctx context.Context, bucket string) error
	Buckets(ctx context.Context) ([]string, error)
	// Size returns the total number of body bytes held across every bucket.
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
