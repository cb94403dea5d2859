package rediskey

import (
	"fmt"
	"time"
)

// Key prefixes shared by every process touching the counter/lock/cache store.
const (
	RateLimitPrefix  = "ratelimit"
	CachePrefix      = "cache"
	LockPrefix       = "lock"
	JobPrefix        = "job"
	ChannelDayPrefix = "metrics:channel"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildRateLimitKey returns "ratelimit:{callerKey}"
func BuildRateLimitKey(callerKey string) string {
	return NamespaceKey(RateLimitPrefix, callerKey)
}

// BuildCacheKey returns "cache:{hash}"
func BuildCacheKey(hash string) string {
	return NamespaceKey(CachePrefix, hash)
}

// BuildLockKey returns "lock:{key}"
func BuildLockKey(key string) string {
	return NamespaceKey(LockPrefix, key)
}

// BuildJobKey returns "job:{queue}:{jobID}"
func BuildJobKey(queue, jobID string) string {
	return fmt.Sprintf("%s:%s:%s", JobPrefix, queue, jobID)
}

// BuildChannelDayKey returns "metrics:channel:{yyyymmdd}:{channel}"
func BuildChannelDayKey(day time.Time, channel string) string {
	return fmt.Sprintf("%s:%s:%s", ChannelDayPrefix, day.UTC().Format("20060102"), channel)
}
