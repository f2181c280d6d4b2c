package kv

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/krawall/krawall/connector-runtime/pkg/contracts"
)

const defaultOpTimeout = 5 * time.Second

// busPrefix separates pub/sub keys from plain data keys in etcd.
const busPrefix = "bus/"

// Etcd backs the KV contract with etcd: TTLs map onto leases and the
// pub/sub bus onto watches, so multiple runtime instances sharing one
// cluster see each other's refresh notifications.
type Etcd struct {
	db *clientv3.Client
}

// NewEtcd connects an etcd client.
func NewEtcd(endpoints []string, dialTimeout time.Duration) (*Etcd, error) {
	if dialTimeout <= 0 {
		dialTimeout = defaultOpTimeout
	}
	db, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &Etcd{db: db}, nil
}

func (e *Etcd) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()
	resp, err := e.db.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("etcd get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// Set writes a value; a positive TTL becomes a lease rounded up to whole
// seconds (etcd's lease granularity).
func (e *Etcd) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()

	var opts []clientv3.OpOption
	if ttl > 0 {
		seconds := int64(math.Ceil(ttl.Seconds()))
		lease, err := e.db.Grant(ctx, seconds)
		if err != nil {
			return fmt.Errorf("etcd lease grant: %w", err)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}
	if _, err := e.db.Put(ctx, key, value, opts...); err != nil {
		return fmt.Errorf("etcd put %s: %w", key, err)
	}
	return nil
}

func (e *Etcd) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()
	if _, err := e.db.Delete(ctx, key); err != nil {
		return fmt.Errorf("etcd delete %s: %w", key, err)
	}
	return nil
}

func (e *Etcd) Close() error { return e.db.Close() }

// ── Bus ──────────────────────────────────────────────────────

// Publish writes the payload onto the channel's bus key; every watcher
// sees the put event.
func (e *Etcd) Publish(ctx context.Context, channel, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()
	if _, err := e.db.Put(ctx, busPrefix+channel, payload); err != nil {
		return fmt.Errorf("etcd publish %s: %w", channel, err)
	}
	return nil
}

type etcdSub struct {
	ch     chan contracts.BusMessage
	cancel context.CancelFunc
	once   sync.Once
}

func (s *etcdSub) C() <-chan contracts.BusMessage { return s.ch }

func (s *etcdSub) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe watches the channel's bus key. Messages published before the
// subscription are not replayed.
func (e *Etcd) Subscribe(ctx context.Context, channel string) (contracts.Subscription, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	sub := &etcdSub{
		ch:     make(chan contracts.BusMessage, 16),
		cancel: cancel,
	}

	watch := e.db.Watch(watchCtx, busPrefix+channel)
	go func() {
		defer close(sub.ch)
		for resp := range watch {
			if err := resp.Err(); err != nil {
				log.Warn().Err(err).Str("channel", channel).Msg("bus watch error")
				return
			}
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				select {
				case sub.ch <- contracts.BusMessage{Channel: channel, Payload: string(ev.Kv.Value)}:
				default:
					log.Warn().Str("channel", channel).Msg("bus subscriber slow, dropping message")
				}
			}
		}
	}()
	return sub, nil
}
