package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/robertarktes/service-bookings-escrow/internal/domain"
	"github.com/robertarktes/service-bookings-escrow/internal/idempotency"
	"github.com/robertarktes/service-bookings-escrow/internal/observability"
	"github.com/robertarktes/service-bookings-escrow/internal/rateLimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelhttp "go.opentelemetry.io/otel/propagation"
)

const (
	ActorHeader       = "X-Actor-ID"
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"
	CallbackHeader    = "X-Callback-Token"
	minIdempKeyLen    = 16
)

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

// LoggerMiddleware puts a request-scoped logger in the context and logs
// every finished request with its route, status and latency.
func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			entry := logger.WithField("request_id", middleware.GetReqID(r.Context()))
			ctx := observability.ContextWithLogger(r.Context(), entry)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			route := routePattern(r)
			observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status()), r.Method).Inc()
			entry.WithField("method", r.Method).
				WithField("route", route).
				WithField("status", ww.Status()).
				WithField("duration_ms", time.Since(start).Milliseconds()).
				Info("request")
		})
	}
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), otelhttp.HeaderCarrier(r.Header))
		ctx, span := observability.Tracer("http").Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", routePattern(r)),
			attribute.Int("http.status_code", ww.Status()),
		)
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}

type actorKey struct{}

// ActorMiddleware requires the caller identity set by the gateway in
// X-Actor-ID.
func ActorMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := uuid.Parse(r.Header.Get(ActorHeader))
			if err != nil || actor == uuid.Nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "missing or invalid " + ActorHeader})
				return
			}
			ctx := context.WithValue(r.Context(), actorKey{}, actor)
			entry := observability.LoggerFrom(ctx, logger).WithField("actor", actor)
			ctx = observability.ContextWithLogger(ctx, entry)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFrom returns the authenticated actor, or uuid.Nil outside
// ActorMiddleware.
func ActorFrom(ctx context.Context) uuid.UUID {
	actor, _ := ctx.Value(actorKey{}).(uuid.UUID)
	return actor
}

func AdminMiddleware(admins []uuid.UUID, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !slices.Contains(admins, ActorFrom(r.Context())) {
				writeError(w, r, logger, errors.Wrap(domain.ErrForbiddenActor, "administrator only"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CallbackTokenMiddleware admits payment gateway callbacks carrying the
// shared token in X-Callback-Token. With no token configured every callback
// is refused.
func CallbackTokenMiddleware(token string, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(CallbackHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				observability.LoggerFrom(r.Context(), logger).WithField("remote", clientIP(r)).Warn("payment callback rejected")
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "missing or invalid " + CallbackHeader})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdempotencyMiddleware makes POSTs replayable. The first response for an
// (actor, route, key) triple is stored and returned verbatim to repeats of
// the same body; a different body under the same key is refused. Server
// errors release the key so the client may retry.
func IdempotencyMiddleware(idemp *idempotency.Idempotency, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				writeError(w, r, logger, errors.Wrap(domain.ErrInvalidInput, "missing "+IdempotencyHeader))
				return
			}
			if len(key) < minIdempKeyLen {
				writeError(w, r, logger, errors.Wrap(domain.ErrInvalidInput, "invalid "+IdempotencyHeader))
				return
			}
			payload, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, r, logger, errors.Wrap(domain.ErrInvalidInput, "unreadable body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(payload))
			sum := sha256.Sum256(payload)
			hash := hex.EncodeToString(sum[:])

			scoped := ActorFrom(r.Context()).String() + ":" + r.URL.Path + ":" + key
			log := observability.LoggerFrom(r.Context(), logger)

			prev, err := idemp.Begin(r.Context(), scoped, hash)
			switch {
			case errors.Is(err, idempotency.ErrKeyReused):
				writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "idempotency_key_reused", Message: IdempotencyHeader + " was used with a different request body"})
				return
			case errors.Is(err, idempotency.ErrInFlight):
				writeError(w, r, logger, errors.Wrap(domain.ErrConflict, "a request with this idempotency key is in progress"))
				return
			case err != nil:
				writeError(w, r, logger, errors.Wrap(err, "idempotency lookup"))
				return
			case prev != nil:
				if prev.ContentType != "" {
					w.Header().Set("Content-Type", prev.ContentType)
				}
				w.Header().Set(ReplayedHeader, "true")
				w.WriteHeader(prev.Status)
				w.Write(prev.Result)
				return
			}

			var body bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			ctx := context.WithoutCancel(r.Context())
			if ww.Status() >= http.StatusInternalServerError {
				if err := idemp.Abort(ctx, scoped); err != nil {
					log.WithError(err).Warn("idempotency abort failed")
				}
				return
			}
			err = idemp.Finish(ctx, scoped, idempotency.Response{
				Status:      ww.Status(),
				ContentType: ww.Header().Get("Content-Type"),
				Result:      body.Bytes(),
				RequestHash: hash,
			})
			if err != nil {
				log.WithError(err).Warn("idempotency store failed")
			}
		})
	}
}

type limit struct {
	key  string
	rate int
}

// RateLimitMiddleware applies a per-actor and a per-IP fixed window of one
// minute. A limiter outage lets requests through, and so does a nil rl.
func RateLimitMiddleware(rl *rateLimit.RateLimiter, perActor, perIP int, logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keys := []limit{{"ip:" + clientIP(r), perIP}}
			if actor := ActorFrom(r.Context()); actor != uuid.Nil {
				keys = append(keys, limit{"actor:" + actor.String(), perActor})
			}
			for _, k := range keys {
				ok, err := rl.Allow(r.Context(), k.key, k.rate, time.Minute)
				if err != nil {
					observability.LoggerFrom(r.Context(), logger).WithError(err).Warn("rate limiter unavailable")
					break
				}
				if !ok {
					observability.RateLimitExceeded.Inc()
					w.Header().Set("Retry-After", "60")
					writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "rate limit exceeded"})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
