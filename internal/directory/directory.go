// Package directory publishes relay room listings to Redis so that lobby
// browsers and other relays can see every live session without connecting
// to each relay.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cory-johannsen/netsession/internal/config"
	"github.com/cory-johannsen/netsession/internal/transport"
)

// Listing is one room as seen in the directory.
type Listing struct {
	Relay      string `json:"relay"`
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	MaxMembers int    `json:"max_members"`
	NumMembers int    `json:"num_members"`
	GameMode   int    `json:"game_mode"`
	AppData    string `json:"app_data,omitempty"`
}

// Info converts the listing back into transport form.
func (l Listing) Info() transport.SessionInfo {
	return transport.SessionInfo{
		ID:         l.ID,
		Owner:      l.Owner,
		MaxMembers: l.MaxMembers,
		NumMembers: l.NumMembers,
		GameMode:   l.GameMode,
		AppData:    l.AppData,
	}
}

// Notice is published on the change channel after every republish.
type Notice struct {
	Relay string    `json:"relay"`
	Rooms int       `json:"rooms"`
	At    time.Time `json:"at"`
}

// ErrRelayIDRequired is returned when a directory opened without a relay id
// is asked to publish.
var ErrRelayIDRequired = errors.New("directory: relay id must not be empty")

// Directory is one relay's handle on the shared Redis room directory.
type Directory struct {
	client  *redis.Client
	logger  *zap.Logger
	relayID string
	prefix  string
	channel string
	ttl     time.Duration
}

// Open connects to Redis and verifies the connection. A Directory opened
// with an empty relayID can only read.
//
// Precondition: cfg must be validated.
// Postcondition: Returns a connected Directory or an error; nothing is left
// open on error.
func Open(ctx context.Context, cfg config.DirectoryConfig, relayID string, logger *zap.Logger) (*Directory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}
	logger.Info("room directory connected",
		zap.String("addr", cfg.Addr),
		zap.String("relay", relayID),
	)
	return &Directory{
		client:  client,
		logger:  logger,
		relayID: relayID,
		prefix:  cfg.Prefix,
		channel: cfg.Channel,
		ttl:     cfg.TTL,
	}, nil
}

// RelayID returns the name this relay publishes under.
func (d *Directory) RelayID() string { return d.relayID }

// TTL returns how long published rooms survive without a refresh.
func (d *Directory) TTL() time.Duration { return d.ttl }

func (d *Directory) key(relay string) string { return d.prefix + ":" + relay }

// PublishRooms replaces this relay's listing with rooms and announces the
// change. An empty slice removes the listing.
//
// Postcondition: readers see either the previous listing or the new one,
// never a mix.
func (d *Directory) PublishRooms(ctx context.Context, rooms []transport.SessionInfo) error {
	if d.relayID == "" {
		return ErrRelayIDRequired
	}
	key := d.key(d.relayID)
	fields := make(map[string]any, len(rooms))
	for _, r := range rooms {
		b, err := json.Marshal(Listing{
			Relay:      d.relayID,
			ID:         r.ID,
			Owner:      r.Owner,
			MaxMembers: r.MaxMembers,
			NumMembers: r.NumMembers,
			GameMode:   r.GameMode,
			AppData:    r.AppData,
		})
		if err != nil {
			return fmt.Errorf("encoding room %s: %w", r.ID, err)
		}
		fields[r.ID] = b
	}
	notice, err := json.Marshal(Notice{Relay: d.relayID, Rooms: len(rooms), At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding notice: %w", err)
	}

	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
			pipe.Expire(ctx, key, d.ttl)
		}
		pipe.Publish(ctx, d.channel, notice)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publishing rooms: %w", err)
	}
	d.logger.Debug("rooms published", zap.Int("rooms", len(rooms)))
	return nil
}

// Rooms lists every room in the directory across all relays, ordered by
// relay then room id. Unreadable entries are logged and skipped.
func (d *Directory) Rooms(ctx context.Context) ([]Listing, error) {
	var out []Listing
	iter := d.client.Scan(ctx, 0, d.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		entries, err := d.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", key, err)
		}
		for id, raw := range entries {
			var l Listing
			if err := json.Unmarshal([]byte(raw), &l); err != nil {
				d.logger.Warn("skipping unreadable listing", zap.String("key", key), zap.String("room", id), zap.Error(err))
				continue
			}
			if l.Relay == "" {
				l.Relay = strings.TrimPrefix(key, d.prefix+":")
			}
			out = append(out, l)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning directory: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Relay != out[j].Relay {
			return out[i].Relay < out[j].Relay
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Watch delivers change notices until ctx is cancelled. The returned channel
// is closed when watching stops.
func (d *Directory) Watch(ctx context.Context) (<-chan Notice, error) {
	sub := d.client.Subscribe(ctx, d.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", d.channel, err)
	}
	out := make(chan Notice, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var n Notice
				if err := json.Unmarshal([]byte(m.Payload), &n); err != nil {
					d.logger.Warn("skipping unreadable notice", zap.Error(err))
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the Redis connection pool.
func (d *Directory) Close() error {
	return d.client.Close()
}
