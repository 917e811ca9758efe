// Package broker multiplexes a job's output log to any number of readers.
// The executor is the only writer; it appends to output.log and posts the
// new offset here. Readers drain from disk at their own pace, so a stalled
// subscriber can never block the job or other subscribers.
package broker

import (
	"context"
	"io"
	"os"
	"sync"
)

const maxChunk = 32 * 1024

type OutputPather interface {
	OutputPath(jobID string) string
	OutputSize(jobID string) int64
}

type Broker struct {
	paths OutputPather

	mu    sync.Mutex
	feeds map[string]*feed
}

type feed struct {
	mu     sync.Mutex
	offset int64
	closed bool
	subs   map[int]chan struct{}
	nextID int
}

func New(paths OutputPather) *Broker {
	return &Broker{paths: paths, feeds: make(map[string]*feed)}
}

// Open registers a live feed for a job about to produce output. The initial
// offset covers anything already in the log.
func (b *Broker) Open(jobID string, initial int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.feeds[jobID]; ok {
		return
	}
	b.feeds[jobID] = &feed{offset: initial, subs: make(map[int]chan struct{})}
}

// Publish records that the job's log now extends to offset and wakes
// subscribers. Wakeups are non-blocking; a subscriber that has not consumed
// the previous signal will still observe the latest offset on its next read.
func (b *Broker) Publish(jobID string, offset int64) {
	b.mu.Lock()
	f := b.feeds[jobID]
	b.mu.Unlock()
	if f == nil {
		return
	}

	f.mu.Lock()
	if offset > f.offset {
		f.offset = offset
	}
	f.notifyLocked()
	f.mu.Unlock()
}

// Close marks the job's output complete. Subscribers drain whatever remains
// and then see EOF.
func (b *Broker) Close(jobID string) {
	b.mu.Lock()
	f := b.feeds[jobID]
	delete(b.feeds, jobID)
	b.mu.Unlock()
	if f == nil {
		return
	}

	f.mu.Lock()
	f.closed = true
	f.notifyLocked()
	f.mu.Unlock()
}

// SubscriberCount reports the number of live subscriptions across feeds.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	feeds := make([]*feed, 0, len(b.feeds))
	for _, f := range b.feeds {
		feeds = append(feeds, f)
	}
	b.mu.Unlock()

	total := 0
	for _, f := range feeds {
		f.mu.Lock()
		total += len(f.subs)
		f.mu.Unlock()
	}
	return total
}

func (f *feed) notifyLocked() {
	for _, ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe attaches a reader to the job's output. Existing bytes are
// replayed from the start; for a live job subsequent appends follow until
// the job closes. For a job with no live feed the subscription replays the
// persisted log and terminates.
func (b *Broker) Subscribe(jobID string) (*Subscription, error) {
	path := b.paths.OutputPath(jobID)

	b.mu.Lock()
	f := b.feeds[jobID]
	b.mu.Unlock()

	if f == nil {
		size := b.paths.OutputSize(jobID)
		static := &feed{offset: size, closed: true, subs: make(map[int]chan struct{})}
		return &Subscription{f: static, path: path, notify: make(chan struct{}, 1)}, nil
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	ch := make(chan struct{}, 1)
	f.subs[id] = ch
	f.mu.Unlock()

	return &Subscription{f: f, id: id, path: path, notify: ch}, nil
}

// Subscription reads one job's output as ordered chunks.
type Subscription struct {
	f      *feed
	id     int
	path   string
	offset int64
	notify chan struct{}

	file     *os.File
	openErr  error
	detached bool
}

// Next returns the next chunk of output. It blocks until bytes are
// available, the feed closes (io.EOF after the final flush) or ctx is done.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	for {
		s.f.mu.Lock()
		target := s.f.offset
		closed := s.f.closed
		s.f.mu.Unlock()

		if s.offset < target {
			chunk, err := s.readChunk(target)
			if err != nil {
				return nil, err
			}
			if len(chunk) > 0 {
				return chunk, nil
			}
		}
		if closed {
			return nil, io.EOF
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

func (s *Subscription) readChunk(target int64) ([]byte, error) {
	if s.file == nil && s.openErr == nil {
		s.file, s.openErr = os.Open(s.path)
	}
	if s.openErr != nil {
		if os.IsNotExist(s.openErr) {
			// Log not created yet; treat as empty and retry after the
			// next publish.
			s.openErr = nil
			return nil, nil
		}
		return nil, s.openErr
	}

	want := target - s.offset
	if want > maxChunk {
		want = maxChunk
	}
	buf := make([]byte, want)
	n, err := s.file.ReadAt(buf, s.offset)
	if n > 0 {
		s.offset += int64(n)
		return buf[:n], nil
	}
	if err != nil && err != io.EOF {
		return nil, err
	}
	return nil, nil
}

// Close detaches the subscription. Other subscribers and the writer are
// unaffected.
func (s *Subscription) Close() {
	if s.detached {
		return
	}
	s.detached = true

	s.f.mu.Lock()
	delete(s.f.subs, s.id)
	s.f.mu.Unlock()

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}
