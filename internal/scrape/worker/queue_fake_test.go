package worker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeQueue is an in-memory Queue with injectable failures
type fakeQueue struct {
	mu      sync.Mutex
	lists   map[string][]string
	pushes  []pushCall
	pops    int
	popErrs []error
	// pushErrs fails pushes to a queue while its slice has entries
	pushErrs map[string][]error
}

type pushCall struct {
	queue   string
	payload string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		lists:    make(map[string][]string),
		pushErrs: make(map[string][]error),
	}
}

func (q *fakeQueue) add(queue string, payloads ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lists[queue] = append(q.lists[queue], payloads...)
}

func (q *fakeQueue) failPush(queue string, errs ...error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushErrs[queue] = append(q.pushErrs[queue], errs...)
}

func (q *fakeQueue) failPop(errs ...error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.popErrs = append(q.popErrs, errs...)
}

func (q *fakeQueue) BlockingPop(ctx context.Context, timeout time.Duration, queues ...string) (string, string, bool, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = time.After(timeout)
	}

	for {
		q.mu.Lock()
		q.pops++
		if len(q.popErrs) > 0 {
			err := q.popErrs[0]
			q.popErrs = q.popErrs[1:]
			q.mu.Unlock()
			return "", "", false, err
		}
		for _, name := range queues {
			if items := q.lists[name]; len(items) > 0 {
				q.lists[name] = items[1:]
				q.mu.Unlock()
				return name, items[0], true, nil
			}
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", "", false, fmt.Errorf("blpop: %w", ctx.Err())
		case <-deadline:
			return "", "", false, nil
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (q *fakeQueue) Push(ctx context.Context, queue, payload string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pushes = append(q.pushes, pushCall{queue: queue, payload: payload})
	if errs := q.pushErrs[queue]; len(errs) > 0 {
		q.pushErrs[queue] = errs[1:]
		return errs[0]
	}
	q.lists[queue] = append(q.lists[queue], payload)
	return nil
}

func (q *fakeQueue) items(queue string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.lists[queue]...)
}

func (q *fakeQueue) pushCalls() []pushCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]pushCall(nil), q.pushes...)
}

func (q *fakeQueue) popCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pops
}

// stubFetcher records calls and answers from a function
type stubFetcher struct {
	mu    sync.Mutex
	calls []fetchCall
	fn    func(ctx context.Context, url, lang string) (string, error)
}

type fetchCall struct {
	url  string
	lang string
}

func (f *stubFetcher) Fetch(ctx context.Context, url, lang string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{url: url, lang: lang})
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, url, lang)
	}
	return "<html>" + url + "</html>", nil
}

func (f *stubFetcher) fetchCalls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}
