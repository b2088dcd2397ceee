package bgsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/offlinectl/internal/runtime/strategy"
)

// ErrQueueFull is returned by Enqueue once a tag holds the configured limit.
var ErrQueueFull = errors.New("bgsync: queue full")

// DeferredRequest is a mutation captured while the origin was unreachable.
type DeferredRequest struct {
	ID       string
	Tag      string
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	QueuedAt time.Time
}

// Queue holds deferred requests per tag in arrival order and replays them
// against the origin when the tag is signalled.
type Queue struct {
	fetcher strategy.Fetcher
	limit   int
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string][]DeferredRequest
	replay  map[string]*sync.Mutex
}

// NewQueue builds a queue replaying through fetcher. limit <= 0 leaves the
// queue unbounded.
func NewQueue(fetcher strategy.Fetcher, limit int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		fetcher: fetcher,
		limit:   limit,
		logger:  logger.With(slog.String("agent", "bgsync")),
		now:     time.Now,
		pending: make(map[string][]DeferredRequest),
		replay:  make(map[string]*sync.Mutex),
	}
}

// Enqueue records r for later replay under tag.
func (q *Queue) Enqueue(_ context.Context, tag string, r *http.Request, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit > 0 && len(q.pending[tag]) >= q.limit {
		return fmt.Errorf("%w: %s", ErrQueueFull, tag)
	}
	q.pending[tag] = append(q.pending[tag], DeferredRequest{
		ID:       uuid.NewString(),
		Tag:      tag,
		Method:   r.Method,
		URL:      r.URL.RequestURI(),
		Header:   r.Header.Clone(),
		Body:     append([]byte(nil), body...),
		QueuedAt: q.now().UTC(),
	})
	return nil
}

// Pending returns a snapshot of tag's queued requests.
func (q *Queue) Pending(tag string) []DeferredRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeferredRequest(nil), q.pending[tag]...)
}

// Len is the number of requests queued under tag.
func (q *Queue) Len(tag string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[tag])
}

// Replayer returns the Work that drains tag.
func (q *Queue) Replayer(tag string) Work {
	return func(ctx context.Context) error {
		return q.Replay(ctx, tag)
	}
}

// Replay sends every request queued under tag once. Requests the origin
// accepts, or rejects with a client error, leave the queue; transport
// failures and server errors stay queued for the next signal.
func (q *Queue) Replay(ctx context.Context, tag string) error {
	lock := q.replayLock(tag)
	lock.Lock()
	defer lock.Unlock()

	var (
		done []string
		errs []error
	)
	for _, item := range q.Pending(tag) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		status, err := q.send(ctx, item)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("bgsync: replay %s %s: %w", item.Method, item.URL, err))
		case status >= http.StatusInternalServerError:
			errs = append(errs, fmt.Errorf("bgsync: replay %s %s: status %d", item.Method, item.URL, status))
		default:
			if status >= http.StatusBadRequest {
				q.logger.Warn("deferred request rejected", slog.String("tag", tag), slog.String("url", item.URL), slog.Int("status", status))
			}
			done = append(done, item.ID)
		}
	}
	q.remove(tag, done)
	if len(done) > 0 {
		q.logger.Info("deferred requests replayed", slog.String("tag", tag), slog.Int("count", len(done)))
	}
	return errors.Join(errs...)
}

func (q *Queue) send(ctx context.Context, item DeferredRequest) (int, error) {
	req, err := http.NewRequestWithContext(ctx, item.Method, item.URL, bytes.NewReader(item.Body))
	if err != nil {
		return 0, err
	}
	req.Header = item.Header.Clone()
	resp, err := q.fetcher.Fetch(ctx, req)
	if err != nil {
		return 0, err
	}
	return resp.Status, nil
}

func (q *Queue) replayLock(tag string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	lock, ok := q.replay[tag]
	if !ok {
		lock = &sync.Mutex{}
		q.replay[tag] = lock
	}
	return lock
}

func (q *Queue) remove(tag string, ids []string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[tag][:0]
	for _, item := range q.pending[tag] {
		if _, ok := drop[item.ID]; !ok {
			kept = append(kept, item)
		}
	}
	if len(kept) == 0 {
		delete(q.pending, tag)
		return
	}
	q.pending[tag] = kept
}
