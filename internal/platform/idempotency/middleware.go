package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/auth"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
	maxKeyLength   = 255
)

// Middleware caches the response of a POST carrying an Idempotency-Key and
// replays it for later requests with the same key from the same user.
// Requests without the header pass through. Server errors are not cached so
// the client can retry them.
func Middleware(store Store, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodPost {
				return next(c)
			}
			key := req.Header.Get(HeaderKey)
			if key == "" {
				return next(c)
			}
			if len(key) > maxKeyLength {
				return echo.NewHTTPError(http.StatusBadRequest, "Idempotency-Key too long")
			}

			ctx := req.Context()
			scoped := auth.UserIDFromContext(ctx) + ":" + key
			path := req.URL.Path

			cached, ok, err := store.Get(ctx, scoped)
			if err != nil {
				// Fail open; the deposit flow still guards against duplicate settlement.
				logger.Warn().Err(err).Msg("idempotency lookup failed")
				return next(c)
			}
			if ok {
				return replayMatching(c, cached, path)
			}

			claimed, err := store.Claim(ctx, scoped)
			if err != nil {
				logger.Warn().Err(err).Msg("idempotency claim failed")
				return next(c)
			}
			if !claimed {
				return echo.NewHTTPError(http.StatusConflict, "A request with this Idempotency-Key is already in progress")
			}
			defer func() {
				relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				defer cancel()
				if err := store.Release(relCtx, scoped); err != nil {
					logger.Warn().Err(err).Msg("idempotency release failed")
				}
			}()

			// A request holding the claim may have stored its response and
			// released the key between the lookup above and this claim.
			cached, ok, err = store.Get(ctx, scoped)
			if err != nil {
				logger.Warn().Err(err).Msg("idempotency lookup after claim failed")
			} else if ok {
				return replayMatching(c, cached, path)
			}

			origWriter := c.Response().Writer
			rec := &recorder{
				ResponseWriter: origWriter,
				body:           &bytes.Buffer{},
				statusCode:     http.StatusOK,
				headers:        make(http.Header),
			}
			c.Response().Writer = rec

			if err := next(c); err != nil {
				c.Response().Writer = origWriter
				return err
			}
			c.Response().Writer = origWriter

			if rec.statusCode < http.StatusInternalServerError {
				entry := &Entry{
					Method:     req.Method,
					Path:       path,
					StatusCode: rec.statusCode,
					Headers:    rec.headers.Clone(),
					Body:       rec.body.Bytes(),
				}
				if err := store.Set(ctx, scoped, entry); err != nil {
					logger.Warn().Err(err).Msg("idempotency store failed")
				}
			}

			for k, vals := range rec.headers {
				for _, v := range vals {
					origWriter.Header().Add(k, v)
				}
			}
			origWriter.WriteHeader(rec.statusCode)
			_, err = origWriter.Write(rec.body.Bytes())
			return err
		}
	}
}

func replayMatching(c echo.Context, cached *Entry, path string) error {
	if cached.Method != c.Request().Method || cached.Path != path {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "Idempotency-Key was already used for a different request")
	}
	return replay(c, cached)
}

func replay(c echo.Context, cached *Entry) error {
	resp := c.Response()
	for k, vals := range cached.Headers {
		for _, v := range vals {
			resp.Header().Set(k, v)
		}
	}
	resp.Header().Set(HeaderReplayed, "true")
	resp.WriteHeader(cached.StatusCode)
	_, err := resp.Write(cached.Body)
	return err
}

// recorder buffers the downstream response so it can be stored before it is sent.
type recorder struct {
	http.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	headers    http.Header
	wroteHead  bool
}

func (r *recorder) Header() http.Header {
	return r.headers
}

func (r *recorder) WriteHeader(code int) {
	if r.wroteHead {
		return
	}
	r.statusCode = code
	r.wroteHead = true
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHead {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}
