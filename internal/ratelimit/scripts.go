package ratelimit

import "github.com/redis/go-redis/v9"

// Every multi-step counter update is a Lua script so racing requests on
// different instances never double-spend.

// fixedAddScript increments a fixed-window cost counter and re-arms its
// expiry at the window boundary.
// KEYS[1] = window key
// ARGV[1] = cost delta
// ARGV[2] = ms until the window boundary
var fixedAddScript = redis.NewScript(`
local v = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return v
`)

// rollingAddScript appends one spend member to a rolling-window sorted set.
// KEYS[1] = window key
// ARGV[1] = now in ms (score)
// ARGV[2] = member "{nowMs}:{requestId}:{costUsd}"
// ARGV[3] = window length in ms (expiry)
var rollingAddScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// rollingSumScript trims entries older than the window and sums the cost
// component of the remaining members. Cost is the segment after the last
// colon. Returns the sum as a string to keep float precision across the
// Lua integer boundary.
// KEYS[1] = window key
// ARGV[1] = trim horizon in ms (now - window)
var rollingSumScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
local sum = 0
for _, m in ipairs(members) do
	local cost = string.match(m, '([^:]+)$')
	if cost then
		sum = sum + (tonumber(cost) or 0)
	end
end
return tostring(sum)
`)

// rpmScript is a sliding one-minute request counter. The current request is
// inserted in the same script when allowed.
// KEYS[1] = rpm key
// ARGV[1] = now in ms
// ARGV[2] = window length in ms
// ARGV[3] = limit
// ARGV[4] = unique member
// Returns {allowed, count}.
var rpmScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
local count = redis.call('ZCARD', KEYS[1])
if count >= limit then
	return {0, count}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, count + 1}
`)

// sessionScript tracks live sessions in a sorted set scored by last
// activity. Re-seen sessions refresh their score and always pass; new
// sessions are admitted only under the limit, with the membership insert in
// the same script (compare-and-insert).
// KEYS[1] = sessions key
// ARGV[1] = now in ms
// ARGV[2] = session TTL in ms
// ARGV[3] = limit (0 = unlimited)
// ARGV[4] = session id
// Returns {allowed, count, tracked}.
var sessionScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - ttl)
if redis.call('ZSCORE', KEYS[1], ARGV[4]) then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ttl)
	return {1, redis.call('ZCARD', KEYS[1]), 0}
end
local count = redis.call('ZCARD', KEYS[1])
if limit > 0 and count >= limit then
	return {0, count, 0}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], ttl)
return {1, count + 1, 1}
`)
