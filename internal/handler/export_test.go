package handler

import "time"

// PruneBefore drops buckets last used before cutoff and reports how many.
func (l *RateLimiter) PruneBefore(cutoff time.Time) int { return l.prune(cutoff) }
