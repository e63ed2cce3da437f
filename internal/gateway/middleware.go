package gateway

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"local-ai-gateway/internal/reqlog"
)

type ctxKey int

const eventKey ctxKey = iota

// eventFrom returns the request's log event for handlers to enrich with
// routing facts. The middleware publishes it once the handler returns.
func eventFrom(ctx context.Context) *reqlog.Event {
	ev, _ := ctx.Value(eventKey).(*reqlog.Event)
	return ev
}

// requireBearer gates /v1/* behind the process token. The comparison is
// constant-time; the refusal message never says which part was wrong.
func requireBearer(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimSpace(r.Header.Get("Authorization"))
			const prefix = "Bearer "
			if !strings.HasPrefix(got, prefix) ||
				subtle.ConstantTimeCompare([]byte(got[len(prefix):]), want) != 1 {
				writeError(w, http.StatusUnauthorized, "auth_failed", "invalid or missing bearer token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ipAllowlist gates /ui/* by source address. An empty list admits everyone;
// entries may be single addresses or CIDR prefixes.
func ipAllowlist(entries []string) func(http.Handler) http.Handler {
	var prefixes []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			prefixes = append(prefixes, p)
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(prefixes) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			addr, err := netip.ParseAddr(clientIP(r))
			if err == nil {
				addr = addr.Unmap()
				for _, p := range prefixes {
					if p.Contains(addr) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			writeError(w, http.StatusForbidden, "ip_blocked", "source address not allowed", nil)
		})
	}
}

// requestLogger mints the request id, builds the log event handlers enrich,
// and publishes it with final status and latency.
func requestLogger(bus *reqlog.Bus, zlog *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", requestID)

			ev := &reqlog.Event{
				TS:        time.Now(),
				RequestID: requestID,
				Method:    r.Method,
				Path:      r.URL.Path,
				SrcIP:     clientIP(r),
				UserAgent: strings.TrimSpace(r.UserAgent()),
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), eventKey, ev)))

			ev.Status = ww.Status()
			if ev.Status == 0 {
				ev.Status = http.StatusOK
			}
			ev.LatencyMs = time.Since(start).Milliseconds()
			if bus != nil {
				bus.Publish(*ev)
			}
			zlog.Info("request",
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ev.Status),
				zap.Int64("latency_ms", ev.LatencyMs),
				zap.String("backend", ev.Backend))
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found || first != "" {
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && strings.TrimSpace(host) != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
