package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/edgecomet/scrape-worker/internal/common/configtypes"
	"github.com/edgecomet/scrape-worker/internal/common/redis"
	"github.com/edgecomet/scrape-worker/internal/scrape/browser"
	"github.com/edgecomet/scrape-worker/internal/scrape/browser/browsertest"
	"github.com/edgecomet/scrape-worker/internal/scrape/worker"
)

const (
	waitQueue = "scrape-jobs:wait"
	doneQueue = "scrape-jobs:done"
)

// flakyDoneQueue fails pushes to the done queue while failDone is set
type flakyDoneQueue struct {
	*redis.Client
	failDone atomic.Bool
}

func (q *flakyDoneQueue) Push(ctx context.Context, queue, payload string) error {
	if queue == doneQueue && q.failDone.Load() {
		return errors.New("READONLY You can't write against a read only replica")
	}
	return q.Client.Push(ctx, queue, payload)
}

type scenarioEnv struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	queue    *flakyDoneQueue
	launcher *browsertest.Launcher
	pool     *browser.Pool
	fetcher  *worker.Fetcher
	proc     *worker.Processor

	cancel context.CancelFunc
	done   chan struct{}
}

func newScenarioEnv(launcher *browsertest.Launcher) *scenarioEnv {
	env := &scenarioEnv{launcher: launcher}

	var err error
	env.mr, err = miniredis.Run()
	Expect(err).ToNot(HaveOccurred())

	env.client, err = redis.NewClient(&configtypes.RedisConfig{
		URL: "redis://" + env.mr.Addr(),
		TLS: configtypes.RedisTLSOff,
	}, zap.NewNop())
	Expect(err).ToNot(HaveOccurred())
	env.queue = &flakyDoneQueue{Client: env.client}

	env.pool, err = browser.NewPool(launcher, browser.PoolOptions{Headless: true}, nil, zap.NewNop())
	Expect(err).ToNot(HaveOccurred())

	env.fetcher, err = worker.NewFetcher(env.pool, worker.FetcherConfig{CleanupTimeout: time.Second}, nil, zap.NewNop())
	Expect(err).ToNot(HaveOccurred())

	env.proc, err = worker.NewProcessor(env.queue, env.fetcher, worker.ProcessorConfig{
		WaitQueue:   waitQueue,
		DoneQueue:   doneQueue,
		PopTimeout:  100 * time.Millisecond,
		RetryDelay:  20 * time.Millisecond,
		DefaultLang: "en-US",
	}, nil, zap.NewNop())
	Expect(err).ToNot(HaveOccurred())

	return env
}

func (env *scenarioEnv) start() {
	var ctx context.Context
	ctx, env.cancel = context.WithCancel(context.Background())
	env.done = make(chan struct{})
	go func() {
		defer close(env.done)
		env.proc.Run(ctx)
	}()
}

func (env *scenarioEnv) stop() {
	if env.cancel != nil {
		env.cancel()
		Eventually(env.done, 5*time.Second).Should(BeClosed())
	}
	env.fetcher.WaitCleanup(time.Second)
	env.pool.CloseAll()
	_ = env.client.Close()
	env.mr.Close()
}

func (env *scenarioEnv) enqueue(payloads ...string) {
	for _, payload := range payloads {
		_, err := env.mr.Push(waitQueue, payload)
		Expect(err).ToNot(HaveOccurred())
	}
}

func (env *scenarioEnv) list(key string) []string {
	if !env.mr.Exists(key) {
		return nil
	}
	items, err := env.mr.List(key)
	Expect(err).ToNot(HaveOccurred())
	return items
}

func decodeJSON(payload string) map[string]interface{} {
	var out map[string]interface{}
	Expect(json.Unmarshal([]byte(payload), &out)).To(Succeed())
	return out
}

var _ = Describe("Processor", func() {
	var env *scenarioEnv

	AfterEach(func() {
		if env != nil {
			env.stop()
			env = nil
		}
	})

	Context("Scenario A: job without lang", func() {
		It("fetches with the default language and pushes the rendered outcome", func() {
			env = newScenarioEnv(&browsertest.Launcher{
				Configure: func(e *browsertest.Engine) {
					e.Content = func(ctx context.Context, url string) (string, error) {
						return "<html><body>" + e.Lang + "</body></html>", nil
					}
				},
			})
			env.enqueue(`{"id":"1","url":"http://example.com"}`)
			env.start()

			Eventually(func() []string { return env.list(doneQueue) }, 3*time.Second, 20*time.Millisecond).Should(HaveLen(1))

			out := decodeJSON(env.list(doneQueue)[0])
			Expect(out).To(Equal(map[string]interface{}{
				"id":      "1",
				"url":     "http://example.com",
				"html":    "<html><body>en-US</body></html>",
				"success": true,
			}))
			Expect(env.pool.Languages()).To(Equal([]string{"en-US"}))
		})
	})

	Context("Scenario B: unparseable payload", func() {
		It("drops it without writing and moves on to the next job", func() {
			env = newScenarioEnv(&browsertest.Launcher{})
			env.enqueue("not json", `{"id":"next","url":"http://example.com"}`)
			env.start()

			Eventually(func() []string { return env.list(doneQueue) }, 3*time.Second, 20*time.Millisecond).Should(HaveLen(1))
			Expect(decodeJSON(env.list(doneQueue)[0])["id"]).To(Equal("next"))
			Expect(env.list(waitQueue)).To(BeEmpty())
		})
	})

	Context("Scenario C: fetch failure", func() {
		It("reports success=false without html", func() {
			env = newScenarioEnv(&browsertest.Launcher{
				Configure: func(e *browsertest.Engine) {
					e.Navigate = func(ctx context.Context, url string) error {
						return errors.New("net::ERR_NAME_NOT_RESOLVED")
					}
				},
			})
			env.enqueue(`{"id":"2","url":"http://bad"}`)
			env.start()

			Eventually(func() []string { return env.list(doneQueue) }, 3*time.Second, 20*time.Millisecond).Should(HaveLen(1))
			Expect(decodeJSON(env.list(doneQueue)[0])).To(Equal(map[string]interface{}{
				"id":      "2",
				"url":     "http://bad",
				"success": false,
			}))
		})
	})

	Context("Scenario D: done queue write fails", func() {
		It("re-pushes the original raw payload to the wait queue", func() {
			env = newScenarioEnv(&browsertest.Launcher{})
			env.queue.failDone.Store(true)

			raw := `{"url":"http://example.com", "id":"3",  "priority": 5}`
			result := env.proc.Process(context.Background(), raw)

			Expect(result).To(Equal(worker.ResultRequeued))
			Expect(env.list(waitQueue)).To(Equal([]string{raw}))
			Expect(env.list(doneQueue)).To(BeEmpty())
		})

		It("completes the job once the done queue recovers", func() {
			env = newScenarioEnv(&browsertest.Launcher{})
			env.queue.failDone.Store(true)
			env.enqueue(`{"id":"3","url":"http://example.com"}`)
			env.start()

			Eventually(func() int { return len(env.launcher.Engines("en-US")) }, 3*time.Second, 20*time.Millisecond).Should(Equal(1))
			env.queue.failDone.Store(false)

			Eventually(func() []string { return env.list(doneQueue) }, 3*time.Second, 20*time.Millisecond).Should(HaveLen(1))
			Expect(decodeJSON(env.list(doneQueue)[0])["success"]).To(BeTrue())
		})
	})

	Context("Scenario E: several languages", func() {
		It("creates one browser per language and reuses it", func() {
			env = newScenarioEnv(&browsertest.Launcher{})
			env.enqueue(
				`{"id":1,"url":"http://a","lang":"fr"}`,
				`{"id":2,"url":"http://b"}`,
				`{"id":3,"url":"http://c","lang":"fr"}`,
				`{"id":4,"url":"http://d"}`,
			)
			env.start()

			Eventually(func() []string { return env.list(doneQueue) }, 3*time.Second, 20*time.Millisecond).Should(HaveLen(4))

			Expect(env.pool.Languages()).To(Equal([]string{"en-US", "fr"}))
			Expect(env.launcher.Launches()).To(HaveLen(2))
			Expect(env.launcher.Engines("fr")[0].PagesOpened()).To(Equal(2))
			Expect(env.launcher.Engines("en-US")[0].PagesOpened()).To(Equal(2))
		})
	})

	Context("Invalid jobs", func() {
		It("never writes a job missing id or url", func() {
			env = newScenarioEnv(&browsertest.Launcher{})
			env.enqueue(`{"url":"http://a"}`, `{"id":1}`, `{"id":2,"url":"http://b"}`)
			env.start()

			Eventually(func() []string { return env.list(doneQueue) }, 3*time.Second, 20*time.Millisecond).Should(HaveLen(1))
			Consistently(func() []string { return env.list(doneQueue) }, 200*time.Millisecond, 20*time.Millisecond).Should(HaveLen(1))
			Expect(env.list(waitQueue)).To(BeEmpty())
		})

		It("reports a job whose url is not a string as failed", func() {
			env = newScenarioEnv(&browsertest.Launcher{})
			env.enqueue(`{"id":"4","url":123}`)
			env.start()

			Eventually(func() []string { return env.list(doneQueue) }, 3*time.Second, 20*time.Millisecond).Should(HaveLen(1))
			Expect(env.list(doneQueue)[0]).To(MatchJSON(`{"id":"4","url":123,"success":false}`))
			Expect(env.list(waitQueue)).To(BeEmpty())
		})
	})

	Context("Queue outage", func() {
		It("keeps retrying pops until the queue is back", func() {
			env = newScenarioEnv(&browsertest.Launcher{})
			env.mr.SetError("ERR server unavailable")
			env.start()

			Consistently(func() []string { return env.list(doneQueue) }, 200*time.Millisecond, 20*time.Millisecond).Should(BeEmpty())

			env.mr.SetError("")
			env.enqueue(`{"id":"late","url":"http://example.com"}`)

			Eventually(func() []string { return env.list(doneQueue) }, 3*time.Second, 20*time.Millisecond).Should(HaveLen(1))
		})
	})

	Context("Stopping", func() {
		It("pops nothing after the stop signal", func() {
			env = newScenarioEnv(&browsertest.Launcher{})
			env.start()
			env.enqueue(`{"id":1,"url":"http://a"}`)
			Eventually(func() []string { return env.list(doneQueue) }, 3*time.Second, 20*time.Millisecond).Should(HaveLen(1))

			env.cancel()
			Eventually(env.done, 3*time.Second).Should(BeClosed())
			Expect(env.proc.State()).To(Equal(worker.StateStopped))

			env.enqueue(`{"id":2,"url":"http://b"}`)
			Consistently(func() []string { return env.list(waitQueue) }, 200*time.Millisecond, 20*time.Millisecond).Should(HaveLen(1))
		})

		It("is unblocked by closing the consumer connection", func() {
			env = newScenarioEnv(&browsertest.Launcher{})
			env.start()

			Eventually(env.proc.State, time.Second, 10*time.Millisecond).Should(Equal(worker.StateReady))
			env.cancel()
			Expect(env.client.CloseConsumer()).To(Succeed())
			Eventually(env.done, 3*time.Second).Should(BeClosed())

			// Outcome writes still work after the consumer is gone
			Expect(env.client.Push(context.Background(), doneQueue, `{"id":"x"}`)).To(Succeed())
			Expect(strings.Join(env.list(doneQueue), "")).To(ContainSubstring(`"x"`))
		})
	})
})
