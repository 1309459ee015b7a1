package main

import (
	"time"

	"golang.org/x/time/rate"
)

type userLimiter struct {
	hourlyLimiter *rate.Limiter
	dailyLimiter  *rate.Limiter
	lastReset     time.Time
	banUntil      time.Time
}

func (b *Bot) newDailyLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(24*time.Hour/time.Duration(b.config.MessagePerDay)), b.config.MessagePerDay)
}

// checkRateLimits reports whether userID may send another request. Going over
// either limit bans the user for the configured duration.
func (b *Bot) checkRateLimits(userID int64) bool {
	b.userLimitersMu.Lock()
	defer b.userLimitersMu.Unlock()

	now := b.clock.Now()

	limiter, exists := b.userLimiters[userID]
	if !exists {
		limiter = &userLimiter{
			hourlyLimiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(b.config.MessagePerHour)), b.config.MessagePerHour),
			dailyLimiter:  b.newDailyLimiter(),
			lastReset:     now,
		}
		b.userLimiters[userID] = limiter
	}

	if now.Before(limiter.banUntil) {
		return false
	}

	if now.Sub(limiter.lastReset) >= 24*time.Hour {
		limiter.dailyLimiter = b.newDailyLimiter()
		limiter.lastReset = now
	}

	if !limiter.hourlyLimiter.AllowN(now, 1) || !limiter.dailyLimiter.AllowN(now, 1) {
		limiter.banUntil = now.Add(b.config.tempBan())
		return false
	}

	return true
}
