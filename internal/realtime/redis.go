package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vgabrielk/widget-sub001/internal/logger"
)

// RedisOptions configures a RedisBus.
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// RedisBus publishes room events on one Redis channel per room and opens
// streams by subscribing to that channel. Every server process connected to
// the same Redis sees every event.
type RedisBus struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
}

func NewRedisBus(ctx context.Context, opts RedisOptions, log *logger.Logger) (*RedisBus, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisBusFromClient(rdb, opts.ChannelPrefix, log), nil
}

// NewRedisBusFromClient wraps an existing client. The bus takes ownership
// and closes it on Close.
func NewRedisBusFromClient(rdb *goredis.Client, prefix string, log *logger.Logger) *RedisBus {
	if prefix == "" {
		prefix = "chat:room:"
	}
	return &RedisBus{
		log:    log.With("service", "RedisBus"),
		rdb:    rdb,
		prefix: prefix,
	}
}

func (b *RedisBus) channel(roomID string) string { return b.prefix + roomID }

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel(ev.RoomID), raw).Err()
}

func (b *RedisBus) Open(ctx context.Context, roomID string) (Stream, error) {
	sub := b.rdb.Subscribe(ctx, b.channel(roomID))

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	s := &redisStream{
		sub:    sub,
		events: make(chan Event, streamBuffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go s.forward(b.log.With("room_id", roomID))
	return s, nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

type redisStream struct {
	sub    *goredis.PubSub
	events chan Event
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func (s *redisStream) forward(log *logger.Logger) {
	defer close(s.events)
	ch := s.sub.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-ch:
			if !ok || m == nil {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				log.Warn("Bad redis event payload", "error", err)
				s.report(fmt.Errorf("decode redis event: %w", err))
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisStream) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *redisStream) Events() <-chan Event { return s.events }
func (s *redisStream) Errors() <-chan error { return s.errs }

func (s *redisStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Close()
	})
	return err
}
