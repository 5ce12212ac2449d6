package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgecomet/scrape-worker/internal/common/configtypes"
)

const defaultPort = "6379"

// readyPollInterval is how often WaitReady retries PING
const readyPollInterval = 500 * time.Millisecond

// Client is the queue connection used by the worker. It keeps two connections:
// the consumer only ever runs blocking pops and can be closed on its own to
// interrupt one, while the producer stays open for outcome writes until Close.
type Client struct {
	consumer redis.UniversalClient
	producer redis.UniversalClient
	logger   *zap.Logger
	addr     string

	consumerOnce sync.Once
	producerOnce sync.Once
}

func NewClient(cfg *configtypes.RedisConfig, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	opts, err := buildOptions(cfg)
	if err != nil {
		return nil, err
	}

	client := &Client{
		consumer: newUniversalClient(opts, cfg.Cluster),
		producer: newUniversalClient(opts, cfg.Cluster),
		logger:   logger,
		addr:     opts.Addrs[0],
	}

	logger.Debug("Redis client created",
		zap.String("addr", client.addr),
		zap.Bool("cluster", cfg.Cluster),
		zap.Bool("tls", opts.TLSConfig != nil))

	return client, nil
}

func newUniversalClient(opts *redis.UniversalOptions, cluster bool) redis.UniversalClient {
	if cluster {
		// Reads always go to masters (ReadOnly=false), matching a consistent-read queue.
		return redis.NewClusterClient(opts.Cluster())
	}
	return redis.NewClient(opts.Simple())
}

// buildOptions turns redis://[user:pass@]host[:port][/db] into client options.
// TLS is enabled for rediss://, for tls=on, and for tls=auto when the host is an AWS
// ElastiCache endpoint; ElastiCache node certificates do not match the addresses the
// cluster advertises, so verification is skipped in the auto case.
func buildOptions(cfg *configtypes.RedisConfig) (*redis.UniversalOptions, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("invalid redis url: host is required")
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	opts := &redis.UniversalOptions{
		Addrs: []string{net.JoinHostPort(host, port)},
	}

	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}

	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		if cfg.Cluster {
			return nil, fmt.Errorf("invalid redis url: database selection is not supported in cluster mode")
		}
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: database %q is not a number", db)
		}
		opts.DB = n
	}

	switch {
	case cfg.TLS == configtypes.RedisTLSOff:
	case cfg.TLS == configtypes.RedisTLSOn || u.Scheme == "rediss":
		opts.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	case strings.Contains(host, "amazon"):
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}
	}

	return opts, nil
}

func (c *Client) Ping(ctx context.Context) error {
	result, err := c.producer.Ping(ctx).Result()
	if err != nil {
		return err
	}
	if result != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", result)
	}
	return nil
}

// WaitReady blocks until PING succeeds, the timeout elapses, or ctx is done.
// A zero timeout waits indefinitely.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.Ping(pingCtx)
		cancel()
		if err == nil {
			c.logger.Info("Redis connection ready",
				zap.String("addr", c.addr),
				zap.Int("attempts", attempts))
			return nil
		}

		c.logger.Warn("Redis not ready yet",
			zap.String("addr", c.addr),
			zap.Int("attempt", attempts),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("redis at %s not ready after %d attempts: %w", c.addr, attempts, errors.Join(ctx.Err(), err))
		case <-ticker.C:
		}
	}
}

// BlockingPop pops the head of the first non-empty queue, waiting up to timeout
// (0 waits forever). ok is false when the timeout expired without an item.
func (c *Client) BlockingPop(ctx context.Context, timeout time.Duration, queues ...string) (queue, payload string, ok bool, err error) {
	result, err := c.consumer.BLPop(ctx, timeout, queues...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("redis blpop failed: %w", err)
	}
	if len(result) != 2 {
		return "", "", false, fmt.Errorf("redis blpop returned %d elements, expected 2", len(result))
	}
	return result[0], result[1], true, nil
}

// Push appends payload to the tail of queue
func (c *Client) Push(ctx context.Context, queue, payload string) error {
	if err := c.producer.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("redis rpush to %s failed: %w", queue, err)
	}
	return nil
}

// Len returns the number of pending items in queue
func (c *Client) Len(ctx context.Context, queue string) (int64, error) {
	n, err := c.producer.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s failed: %w", queue, err)
	}
	return n, nil
}

// CloseConsumer closes the blocking-pop connection. A pop in progress fails
// immediately; pushes keep working until Close.
func (c *Client) CloseConsumer() error {
	var err error
	c.consumerOnce.Do(func() {
		err = c.consumer.Close()
		c.logger.Debug("Redis consumer connection closed")
	})
	return err
}

// Close closes both connections. Safe to call more than once.
func (c *Client) Close() error {
	consumerErr := c.CloseConsumer()

	var producerErr error
	c.producerOnce.Do(func() {
		producerErr = c.producer.Close()
		c.logger.Debug("Redis producer connection closed")
	})

	if err := errors.Join(consumerErr, producerErr); err != nil {
		c.logger.Error("Failed to close Redis client", zap.Error(err))
		return err
	}
	return nil
}
