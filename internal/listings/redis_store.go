package listings

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

const defaultRedisURL = "redis://localhost:6379"

// addImageScript adds a URL to the record's image set only when the record exists.
// Returns -1 for a missing record, otherwise the SADD result (1 added, 0 present).
var addImageScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
return redis.call("SADD", KEYS[2], ARGV[1])
`)

// RedisStore keeps listing records as hashes and their image URLs as sets:
//
//	listings:{id}         hash, existence marks the record
//	listings:{id}:images  set of public URLs
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to url and pings within two seconds
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func recordKey(id string) string { return "listings:" + id }
func imagesKey(id string) string { return "listings:" + id + ":images" }

// AddImage performs a set-union of url into the record's images. It reports
// whether the URL was newly added.
func (s *RedisStore) AddImage(ctx context.Context, recordID, url string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("record store unavailable")
	}
	res, err := addImageScript.Run(ctx, s.client, []string{recordKey(recordID), imagesKey(recordID)}, url).Int()
	if err != nil {
		return false, fmt.Errorf("add image to listing %s: %w", recordID, err)
	}
	if res < 0 {
		return false, fmt.Errorf("%w: %s", pipeline.ErrRecordNotFound, recordID)
	}
	return res == 1, nil
}

// CreateRecord marks a listing record as existing. Existing images are kept.
func (s *RedisStore) CreateRecord(ctx context.Context, recordID string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("record store unavailable")
	}
	if err := s.client.HSet(ctx, recordKey(recordID), "id", recordID).Err(); err != nil {
		return fmt.Errorf("create listing %s: %w", recordID, err)
	}
	return nil
}

// Images returns the record's image URLs in no particular order
func (s *RedisStore) Images(ctx context.Context, recordID string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("record store unavailable")
	}
	exists, err := s.client.Exists(ctx, recordKey(recordID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load listing %s: %w", recordID, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrRecordNotFound, recordID)
	}
	urls, err := s.client.SMembers(ctx, imagesKey(recordID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load listing images %s: %w", recordID, err)
	}
	return urls, nil
}
