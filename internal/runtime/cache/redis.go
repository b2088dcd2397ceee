package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       RedisTLSConfig
}

// redisCache lays each bucket out as a hash of encoded entries plus a sorted
// set whose scores come from a namespace-wide INCR counter, which gives the
// insertion order Trim relies on. A set indexes the bucket names.
type redisCache struct {
	client    valkey.Client
	namespace string
}

func NewRedis(cfg RedisConfig) (Backend, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = "offlinectl"
	}
	return &redisCache{client: client, namespace: namespace}, nil
}

func (c *redisCache) entriesKey(bucket string) string {
	return c.namespace + ":b:" + bucket + ":e"
}

func (c *redisCache) orderKey(bucket string) string {
	return c.namespace + ":b:" + bucket + ":o"
}

func (c *redisCache) bucketsKey() string {
	return c.namespace + ":buckets"
}

func (c *redisCache) seqKey() string {
	return c.namespace + ":seq"
}

func (c *redisCache) Lookup(ctx context.Context, bucket, key string) (Entry, bool, error) {
	resp := c.client.Do(ctx, c.client.B().Hget().Key(c.entriesKey(bucket)).Field(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis hget: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis hget bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (c *redisCache) Store(ctx context.Context, bucket, key string, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	seq, err := c.client.Do(ctx, c.client.B().Incr().Key(c.seqKey()).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("cache: redis incr: %w", err)
	}
	cmds := valkey.Commands{
		c.client.B().Hset().Key(c.entriesKey(bucket)).FieldValue().FieldValue(key, string(payload)).Build(),
		c.client.B().Zadd().Key(c.orderKey(bucket)).ScoreMember().ScoreMember(float64(seq), key).Build(),
		c.client.B().Sadd().Key(c.bucketsKey()).Member(bucket).Build(),
	}
	for _, resp := range c.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("cache: redis store: %w", err)
		}
	}
	return nil
}

func (c *redisCache) Trim(ctx context.Context, bucket string, max int) (int, error) {
	if max < 0 {
		return 0, nil
	}
	count, err := c.client.Do(ctx, c.client.B().Zcard().Key(c.orderKey(bucket)).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: redis zcard: %w", err)
	}
	excess := count - int64(max)
	if excess <= 0 {
		return 0, nil
	}
	oldest, err := c.client.Do(ctx, c.client.B().Zrange().Key(c.orderKey(bucket)).Min("0").Max(strconv.FormatInt(excess-1, 10)).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("cache: redis zrange: %w", err)
	}
	if len(oldest) == 0 {
		return 0, nil
	}
	cmds := valkey.Commands{
		c.client.B().Hdel().Key(c.entriesKey(bucket)).Field(oldest...).Build(),
		c.client.B().Zrem().Key(c.orderKey(bucket)).Member(oldest...).Build(),
	}
	for _, resp := range c.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return 0, fmt.Errorf("cache: redis trim: %w", err)
		}
	}
	return len(oldest), nil
}

func (c *redisCache) DeleteBucket(ctx context.Context, bucket string) error {
	cmds := valkey.Commands{
		c.client.B().Del().Key(c.entriesKey(bucket), c.orderKey(bucket)).Build(),
		c.client.B().Srem().Key(c.bucketsKey()).Member(bucket).Build(),
	}
	for _, resp := range c.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("cache: redis delete bucket %s: %w", bucket, err)
		}
	}
	return nil
}

func (c *redisCache) Buckets(ctx context.Context) ([]string, error) {
	names, err := c.client.Do(ctx, c.client.B().Smembers().Key(c.bucketsKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (c *redisCache) Size(ctx context.Context) (int64, error) {
	buckets, err := c.Buckets(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, bucket := range buckets {
		values, err := c.client.Do(ctx, c.client.B().Hvals().Key(c.entriesKey(bucket)).Build()).AsStrSlice()
		if err != nil {
			return 0, fmt.Errorf("cache: redis hvals: %w", err)
		}
		for _, raw := range values {
			var entry Entry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				continue
			}
			total += int64(len(entry.Response.Body))
		}
	}
	return total, nil
}

func (c *redisCache) Close(context.Context) error {
	c.client.Close()
	return nil
}
