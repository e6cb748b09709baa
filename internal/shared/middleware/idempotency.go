package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	apperrors "github.com/simdesk/server/internal/shared/errors"
	"github.com/simdesk/server/internal/shared/response"
	"go.uber.org/zap"
)

const (
	// IdempotencyKeyHeader is the header for idempotency key.
	IdempotencyKeyHeader = "Idempotency-Key"

	idempotencyKeyPrefix  = "idempotency:"
	idempotencyLockTTL    = 30 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
)

// cachedResponse is a replayable response stored in Redis.
type cachedResponse struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// captureWriter tees the response body.
type captureWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Requests without the header, or without Redis, pass through untouched.
func Idempotency(redis goredis.UniversalClient, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}

	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyKeyHeader)
		if redis == nil || key == "" || c.Request.Method != "POST" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		cacheKey := idempotencyCacheKey(c, key)

		if cached, err := loadResponse(ctx, redis, cacheKey); err == nil {
			c.Data(cached.StatusCode, cached.ContentType, cached.Body)
			c.Abort()
			return
		}

		lockKey := cacheKey + ":lock"
		locked, err := redis.SetNX(ctx, lockKey, "1", idempotencyLockTTL).Result()
		if err != nil {
			logger.Warn("idempotency lock unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !locked {
			response.AbortWithError(c, apperrors.Conflict("REQUEST_IN_PROGRESS",
				"a request with this idempotency key is already being processed", nil))
			return
		}
		defer redis.Del(context.WithoutCancel(ctx), lockKey)

		writer := &captureWriter{ResponseWriter: c.Writer, body: bytes.NewBuffer(nil)}
		c.Writer = writer

		c.Next()

		status := c.Writer.Status()
		if status >= 500 {
			return
		}
		resp := cachedResponse{
			StatusCode:  status,
			ContentType: c.Writer.Header().Get("Content-Type"),
			Body:        writer.body.Bytes(),
		}
		if err := storeResponse(context.WithoutCancel(ctx), redis, cacheKey, resp, ttl); err != nil {
			logger.Warn("failed to store idempotent response", zap.Error(err))
		}
	}
}

func idempotencyCacheKey(c *gin.Context, key string) string {
	hash := sha256.Sum256([]byte(c.Request.Method + ":" + c.Request.URL.Path + ":" + key))
	return idempotencyKeyPrefix + hex.EncodeToString(hash[:])
}

func loadResponse(ctx context.Context, redis goredis.UniversalClient, key string) (*cachedResponse, error) {
	data, err := redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var resp cachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func storeResponse(ctx context.Context, redis goredis.UniversalClient, key string, resp cachedResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return redis.Set(ctx, key, data, ttl).Err()
}
