// Package telemetry publishes link-state transitions and ingested
// reading echoes to Redis, grounded on the hash-write-then-publish
// idiom of the retrieved bluetooth service's redis client.
package telemetry

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fledge-power/hnz-north-go/linklayer"
)

// Publisher writes HNZ link telemetry to Redis. A nil *Publisher is
// valid and every method becomes a no-op, so DualPathServer can hold
// one optionally without a feature flag at every call site.
type Publisher struct {
	client *redis.Client
}

// New connects to addr and verifies reachability with a Ping.
func New(addr, password string, db int) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("hnz: connect redis: %w", err)
	}
	return &Publisher{client: client}, nil
}

// PublishLinkState writes the path's current state to the
// "hnz:link:<path>" hash and publishes the transition on the
// "hnz:link" channel.
func (p *Publisher) PublishLinkState(ctx context.Context, path string, state linklayer.State) error {
	if p == nil {
		return nil
	}
	key := "hnz:link:" + path
	pipe := p.client.Pipeline()
	pipe.HSet(ctx, key, "state", state.String())
	pipe.Publish(ctx, "hnz:link", fmt.Sprintf("%s:%s", path, state.String()))
	_, err := pipe.Exec(ctx)
	return err
}

// PublishReading echoes an ingested (label, value) pair to the
// "hnz:readings" hash and "hnz:readings" channel, so a downstream
// subscriber can observe what the north side just encoded without
// re-decoding the wire frame. outdated/qualityUpdate carry the
// IngestParameters metadata that has no home in any HNZ wire layout
// (spec.md §4.10 defines no bits for them); Redis telemetry is the
// only consumer the original implementation implies for them.
func (p *Publisher) PublishReading(ctx context.Context, label, value string, outdated, qualityUpdate bool) error {
	if p == nil {
		return nil
	}
	pipe := p.client.Pipeline()
	pipe.HSet(ctx, "hnz:readings", label, value)
	pipe.HSet(ctx, "hnz:readings:outdated", label, outdated)
	pipe.HSet(ctx, "hnz:readings:quality_update", label, qualityUpdate)
	pipe.Publish(ctx, "hnz:readings", fmt.Sprintf("%s:%s", label, value))
	_, err := pipe.Exec(ctx)
	return err
}

// Close releases the underlying connection pool.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}
