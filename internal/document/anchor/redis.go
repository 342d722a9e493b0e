package anchor

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend appends digests to a Redis stream. The stream entry id is the
// reference.
type RedisBackend struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

func NewRedisBackend(client redis.Cmdable, stream string, maxLen int64) (*RedisBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if stream == "" {
		stream = "docseal:anchors"
	}
	return &RedisBackend{client: client, stream: stream, maxLen: maxLen}, nil
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Submit(ctx context.Context, digest [32]byte) (Receipt, error) {
	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{"digest": hex.EncodeToString(digest[:])},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	entryID, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return Receipt{}, fmt.Errorf("xadd %s: %w", b.stream, err)
	}
	return Receipt{
		Reference: b.stream + "/" + entryID,
		Timestamp: streamIDTime(entryID),
	}, nil
}

// streamIDTime reads the millisecond prefix of a stream entry id.
func streamIDTime(entryID string) time.Time {
	ms, _, _ := strings.Cut(entryID, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
