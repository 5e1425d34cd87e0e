package session

import (
	"context"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// chatRateLimitMessages and chatRateLimitWindow set the per-user sliding
// window for send_message (spec §3/§4.4.4): 5 messages per 10 seconds.
const (
	chatRateLimitMessages = 5
	chatRateLimitWindow   = 10 * time.Second
)

// chatRateLimiter enforces the per-user chat cap. It wraps ulule/limiter's
// sliding-window counter rather than reimplementing one; the Room only
// ever asks it "allowed?" for a given user id.
type chatRateLimiter struct {
	lim *limiter.Limiter
}

// newChatRateLimiter builds a limiter for the given messages-per-window
// cap. Callers without a deployment-specific override pass
// chatRateLimitMessages/chatRateLimitWindow.
func newChatRateLimiter(messages int, window time.Duration) *chatRateLimiter {
	store := memory.NewStore()
	rate := limiter.Rate{
		Period: window,
		Limit:  int64(messages),
	}
	return &chatRateLimiter{lim: limiter.New(store, rate)}
}

// allow reports whether userID may send another chat message right now,
// consuming one slot from the window if so.
func (c *chatRateLimiter) allow(ctx context.Context, userID UserIdType) bool {
	res, err := c.lim.Get(ctx, string(userID))
	if err != nil {
		// Fail open: a limiter outage should not silence chat entirely.
		return true
	}
	return !res.Reached
}

// forget is a no-op placeholder for the per-user window on disconnect; the
// underlying store entry expires on its own once the window rolls past.
func (c *chatRateLimiter) forget(userID UserIdType) {}
