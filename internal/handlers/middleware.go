package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/sand/crypto-p2p-exchange/backend/internal/core/ports"
)

const (
	codeUnauthenticated   = "UNAUTHENTICATED"
	codeRateLimited       = "RATE_LIMITED"
	codeRequestInProgress = "REQUEST_IN_PROGRESS"

	IdempotencyKeyHeader    = "Idempotency-Key"
	idempotentReplayHeader  = "Idempotent-Replayed"
	idempotencyPendingValue = "pending"
)

type callerKey struct{}

// WithCallerID returns a context carrying the authenticated user id.
func WithCallerID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, callerKey{}, userID)
}

// CallerID returns the authenticated user id stored by the auth middleware.
func CallerID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(callerKey{}).(int64)
	return userID, ok
}

// Authenticator validates HS256 bearer tokens whose subject is the user id.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// IssueToken signs a token for userID valid for ttl.
func (a *Authenticator) IssueToken(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken returns the user id carried by a valid token.
func (a *Authenticator) ParseToken(tokenString string) (int64, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return 0, err
	}
	if !token.Valid {
		return 0, errors.New("invalid token")
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("invalid subject %q", claims.Subject)
	}
	return userID, nil
}

// Middleware rejects requests without a valid token. Browsers cannot set
// headers on WebSocket handshakes, so the access_token query parameter is
// accepted as well.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("access_token")
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			scheme, value, found := strings.Cut(authHeader, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") {
				writeErrorCode(w, http.StatusUnauthorized, codeUnauthenticated, "invalid authorization header format")
				return
			}
			token = value
		}
		if token == "" {
			writeErrorCode(w, http.StatusUnauthorized, codeUnauthenticated, "authorization header required")
			return
		}

		userID, err := a.ParseToken(token)
		if err != nil {
			writeErrorCode(w, http.StatusUnauthorized, codeUnauthenticated, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCallerID(r.Context(), userID)))
	})
}

// rateLimiterIdleTTL is the minimum time a caller's limiter is kept after its
// last request.
const rateLimiterIdleTTL = 10 * time.Minute

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles mutating requests per authenticated caller. Limiters
// idle for longer than idleTTL are dropped on the next sweep.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[int64]*callerLimiter
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	idleTTL := rateLimiterIdleTTL
	// Keep a limiter at least as long as its burst takes to refill.
	if perSecond > 0 {
		if refill := time.Duration(float64(burst) / perSecond * float64(time.Second)); refill > idleTTL {
			idleTTL = refill
		}
	}

	return &RateLimiter{
		limiters:  make(map[int64]*callerLimiter),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		idleTTL:   idleTTL,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (l *RateLimiter) limiter(userID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		for id, entry := range l.limiters {
			if now.Sub(entry.lastSeen) >= l.idleTTL {
				delete(l.limiters, id)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.limiters[userID]
	if !ok {
		entry = &callerLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := CallerID(r.Context())
		if !ok || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		if !l.limiter(userID).Allow() {
			writeErrorCode(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// storedResponse is what an idempotency key replays.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
}

// Idempotency replays the first response of a POST carrying an
// Idempotency-Key for the same caller. Server errors are not stored so the
// request can be retried.
type Idempotency struct {
	logger *slog.Logger
	rdb    *redis.Client
}

func NewIdempotency(logger *slog.Logger, rdb *redis.Client) *Idempotency {
	return &Idempotency{logger: logger, rdb: rdb}
}

// idempotencyKey scopes a client key to the caller and the route it was sent to.
func idempotencyKey(userID int64, method, path, key string) string {
	return fmt.Sprintf("idempotency:%d:%s:%s:%s", userID, method, path, key)
}

func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(IdempotencyKeyHeader)
		userID, ok := CallerID(r.Context())
		if header == "" || !ok || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		key := idempotencyKey(userID, r.Method, r.URL.Path, header)

		acquired, err := i.rdb.SetNX(ctx, key, idempotencyPendingValue, ports.IdempotencyPendingTTL).Result()
		if err != nil {
			i.logger.Error("idempotency store unavailable", "key", key, "error", err)
			writeErrorCode(w, http.StatusServiceUnavailable, ports.Code(err), "idempotency store unavailable")
			return
		}
		if !acquired {
			i.replay(w, r, key)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// The request context may be cancelled once the response is written.
		storeCtx := context.WithoutCancel(ctx)
		if rec.status >= http.StatusInternalServerError {
			if err = i.rdb.Del(storeCtx, key).Err(); err != nil {
				i.logger.Error("failed to release idempotency key", "key", key, "error", err)
			}
			return
		}

		data, err := json.Marshal(storedResponse{
			Status:      rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.String(),
		})
		if err == nil {
			err = i.rdb.Set(storeCtx, key, string(data), ports.IdempotencyKeyTTL).Err()
		}
		if err != nil {
			i.logger.Error("failed to store idempotent response", "key", key, "error", err)
		}
	})
}

func (i *Idempotency) replay(w http.ResponseWriter, r *http.Request, key string) {
	value, err := i.rdb.Get(r.Context(), key).Result()
	if errors.Is(err, redis.Nil) || value == idempotencyPendingValue {
		writeErrorCode(w, http.StatusConflict, codeRequestInProgress, "a request with this idempotency key is in progress")
		return
	}
	if err != nil {
		i.logger.Error("idempotency store unavailable", "key", key, "error", err)
		writeErrorCode(w, http.StatusServiceUnavailable, ports.Code(err), "idempotency store unavailable")
		return
	}

	var stored storedResponse
	if err = json.Unmarshal([]byte(value), &stored); err != nil {
		i.logger.Error("corrupt idempotent response", "key", key, "error", err)
		writeErrorCode(w, http.StatusInternalServerError, ports.Code(err), "internal server error")
		return
	}

	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set(idempotentReplayHeader, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write([]byte(stored.Body))
}

// responseRecorder copies the response body while writing it through.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
