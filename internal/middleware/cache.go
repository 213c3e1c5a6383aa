package middleware // middleware provides shared request processing for handlers

import (
	"bytes"           // bytes buffers the captured response body
	"context"         // context detaches cache writes from the request
	"crypto/sha1"     // sha1 hashes request lines into cache keys
	"encoding/binary" // binary frames the cached payload
	"encoding/json"   // json encodes cached headers
	"fmt"             // fmt formats cache keys
	"net/http"        // http wraps the response writer
	"strings"         // strings compares header names and methods
	"time"            // time sets the entry TTL

	"github.com/labstack/echo/v4"  // echo provides middleware chaining and context
	"github.com/redis/go-redis/v9" // go-redis stores cached responses

	"github.com/iliyamo/gym-standing-booking/internal/config"  // cache settings
	"github.com/iliyamo/gym-standing-booking/internal/logging" // request-scoped zerolog logger
)

// captureWriter keeps a copy of the response body (up to limit bytes) while
// forwarding it to the client.
type captureWriter struct {
	http.ResponseWriter
	status    int
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if !cw.truncated {
		if cw.limit > 0 && int64(cw.buf.Len()+len(b)) > cw.limit {
			cw.truncated = true
		} else {
			cw.buf.Write(b)
		}
	}
	return cw.ResponseWriter.Write(b)
}

// versionKey holds a counter bumped by every successful write.  It is part
// of each cache key, so a write makes all earlier entries unreachable.
func versionKey(cfg config.CacheConfig) string { return cfg.Prefix + ":version" }

func cacheKey(cfg config.CacheConfig, version int64, c echo.Context) string {
	r := c.Request()
	sum := sha1.Sum([]byte(r.Method + " " + r.URL.Path + "?" + r.URL.RawQuery))
	return fmt.Sprintf("%s:v%d:%x", cfg.Prefix, version, sum[:])
}

// encodePayload packs [4 bytes status][4 bytes header length][header JSON][body].
func encodePayload(status int, header http.Header, body []byte) ([]byte, error) {
	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(hdr)+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(status))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(hdr)))
	copy(out[8:], hdr)
	copy(out[8+len(hdr):], body)
	return out, nil
}

func decodePayload(bs []byte) (int, http.Header, []byte, bool) {
	if len(bs) < 8 {
		return 0, nil, nil, false
	}
	status := int(binary.BigEndian.Uint32(bs[0:4]))
	hlen := int(binary.BigEndian.Uint32(bs[4:8]))
	if 8+hlen > len(bs) {
		return 0, nil, nil, false
	}
	hdr := make(http.Header)
	if hlen > 0 {
		if err := json.Unmarshal(bs[8:8+hlen], &hdr); err != nil {
			return 0, nil, nil, false
		}
	}
	return status, hdr, bs[8+hlen:], true
}

// NewRedisCache serves repeated reads from Redis.  Cached methods (GET by
// default) are stored on a 200; any other request that succeeds bumps the
// cache version.  Redis failures fall back to the handler.
func NewRedisCache(cfg config.CacheConfig, rdb *redis.Client) echo.MiddlewareFunc {
	if !cfg.Enabled || rdb == nil {
		return passThrough
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second // fallback when the env leaves it unset
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Writes are never cached; a successful one invalidates everything.
			if !cfg.Methods[strings.ToUpper(c.Request().Method)] {
				return invalidateOnSuccess(cfg, rdb, c, next)
			}

			ctx := c.Request().Context()
			version, err := rdb.Get(ctx, versionKey(cfg)).Int64()
			if err != nil && err != redis.Nil { // redis.Nil: no write happened yet
				logging.FromContext(ctx).Warn().Err(err).Msg("cache unavailable")
				return next(c)
			}
			key := cacheKey(cfg, version, c)

			// Hit: replay the stored status, headers and body.
			if bs, err := rdb.Get(ctx, key).Bytes(); err == nil {
				if status, hdr, body, ok := decodePayload(bs); ok {
					for k, vals := range hdr {
						if strings.EqualFold(k, echo.HeaderContentLength) || strings.EqualFold(k, RequestIDHeader) {
							continue // recomputed, or owned by this request
						}
						for _, v := range vals {
							c.Response().Header().Add(k, v)
						}
					}
					c.Response().Header().Set("X-Cache", "HIT")
					c.Response().WriteHeader(status)
					_, err := c.Response().Write(body)
					return err
				}
			}

			// Miss: run the handler while copying what it writes.
			cw := &captureWriter{ResponseWriter: c.Response().Writer, status: http.StatusOK, limit: int64(cfg.MaxBodyBytes)}
			c.Response().Writer = cw
			c.Response().Header().Set("X-Cache", "MISS")
			if err := next(c); err != nil {
				return err
			}
			if cw.status != http.StatusOK || cw.truncated {
				return nil // only complete 200s are stored
			}
			payload, err := encodePayload(cw.status, c.Response().Header().Clone(), cw.buf.Bytes())
			if err == nil {
				// Store even if the client has gone; a failed write only costs a miss.
				_ = rdb.SetEx(context.WithoutCancel(ctx), key, payload, ttl).Err()
			}
			return nil
		}
	}
}

// invalidateOnSuccess runs a write and bumps the cache version when it
// succeeded.
func invalidateOnSuccess(cfg config.CacheConfig, rdb *redis.Client, c echo.Context, next echo.HandlerFunc) error {
	err := next(c)
	if err == nil && c.Response().Status < http.StatusBadRequest {
		ctx := context.WithoutCancel(c.Request().Context())
		if ierr := rdb.Incr(ctx, versionKey(cfg)).Err(); ierr != nil {
			logging.FromContext(ctx).Warn().Err(ierr).Msg("cache invalidation failed")
		}
	}
	return err
}
