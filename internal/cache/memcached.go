package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/IliaW/content-proof/config"
	"github.com/bradfitz/gomemcache/memcache"
)

type CachedClient interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
	Close()
}

type MemcachedClient struct {
	client *memcache.Client
	cfg    *config.CacheConfig
}

func NewMemcachedClient(cacheConfig *config.CacheConfig) *MemcachedClient {
	slog.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	err := ss.SetServers(cacheConfig.Servers...)
	if err != nil {
		slog.Error("failed to set memcached servers.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	c := &MemcachedClient{
		client: memcache.NewFromSelector(ss),
		cfg:    cacheConfig,
	}
	slog.Info("pinging the memcached.")
	err = c.client.Ping()
	if err != nil {
		slog.Error("connection to the memcached is failed.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to memcached!")

	return c
}

func (mc *MemcachedClient) Get(key string) ([]byte, bool) {
	it, err := mc.client.Get(key)
	if err != nil {
		if !errors.Is(err, memcache.ErrCacheMiss) {
			slog.Error("failed to read from cache.", slog.String("key", key), slog.String("err", err.Error()))
		}
		return nil, false
	}
	if len(it.Value) == 0 {
		slog.Warn("cache found but the value is empty.", slog.String("key", key))
		return nil, false
	}

	return it.Value, true
}

func (mc *MemcachedClient) Set(key string, value []byte) error {
	item := &memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: int32(mc.cfg.Ttl.Seconds()),
	}
	if err := mc.client.Set(item); err != nil {
		slog.Error("failed to write to cache.", slog.String("key", key), slog.String("err", err.Error()))
		return err
	}

	return nil
}

func (mc *MemcachedClient) Close() {
	slog.Info("closing memcached connection.")
	err := mc.client.Close()
	if err != nil {
		slog.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}

// Key hashes parts into a memcached-safe key (no spaces, fixed length).
func Key(prefix string, parts ...string) string {
	hash := sha256.New()
	hash.Write([]byte(strings.Join(parts, "\x00")))
	return prefix + "-" + hex.EncodeToString(hash.Sum(nil))
}
