package redisq

import "github.com/redis/go-redis/v9"

// Every script takes the same KEYS, in redisKeys order:
//
//	KEYS[1] ready         zset id -> deliver-at ms
//	KEYS[2] unacked       zset id -> ack-deadline ms
//	KEYS[3] data          hash id -> JSON record
//	KEYS[4] redeliveries  hash id -> count
//	KEYS[5] dead          list of ids
//	KEYS[6] version       counter bumped by every script
//
// and replies {version, ZCARD ready, ZCARD unacked, ...}. The version orders
// replies that reach the client out of order, so an older pair of sizes never
// replaces a newer one in the cache.

// luaDepth fills the first three reply slots. It must run last.
const luaDepth = `
local function depth(out)
  out[1] = redis.call('INCR', KEYS[6])
  out[2] = redis.call('ZCARD', KEYS[1])
  out[3] = redis.call('ZCARD', KEYS[2])
  return out
end
`

// luaFail is shared by nack and sweep. The id must be in the unacked set.
const luaFail = `
local function fail(id, now, max)
  redis.call('ZREM', KEYS[2], id)
  local rec = redis.call('HGET', KEYS[3], id) or ''
  local n = tonumber(redis.call('HGET', KEYS[4], id) or '0')
  if n >= max then
    redis.call('RPUSH', KEYS[5], id)
    return 2, n, rec
  end
  n = redis.call('HINCRBY', KEYS[4], id, 1)
  redis.call('ZADD', KEYS[1], now, id)
  return 1, n, rec
end
`

// No ARGV.
var refreshScript = redis.NewScript(luaDepth + `
return depth({0, 0, 0})
`)

// ARGV: id, record, deliver-at ms
var pushScript = redis.NewScript(luaDepth + `
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return depth({0, 0, 0})
`)

// ARGV: now ms, max, ack-deadline ms
// Then id, record, redeliveries per delivered message.
var pollScript = redis.NewScript(luaDepth + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {0, 0, 0}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[3], id)
  table.insert(out, id)
  table.insert(out, redis.call('HGET', KEYS[3], id) or '')
  table.insert(out, tonumber(redis.call('HGET', KEYS[4], id) or '0'))
end
return depth(out)
`)

// ARGV: id
// Then removed (0 or 1).
var ackScript = redis.NewScript(luaDepth + `
local removed = redis.call('ZREM', KEYS[2], ARGV[1])
if removed == 1 then
  redis.call('HDEL', KEYS[3], ARGV[1])
  redis.call('HDEL', KEYS[4], ARGV[1])
end
return depth({0, 0, 0, removed})
`)

// ARGV: id, now ms, max redeliveries
// Then status (0 unknown, 1 requeued, 2 dead), redeliveries, record.
var nackScript = redis.NewScript(luaDepth + luaFail + `
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return depth({0, 0, 0, 0, 0, ''})
end
local status, n, rec = fail(ARGV[1], ARGV[2], tonumber(ARGV[3]))
return depth({0, 0, 0, status, n, rec})
`)

// ARGV: now ms, max redeliveries
// Then id, status, redeliveries, record per expired message.
var sweepScript = redis.NewScript(luaDepth + luaFail + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
local out = {0, 0, 0}
for _, id in ipairs(ids) do
  local status, n, rec = fail(id, ARGV[1], tonumber(ARGV[2]))
  table.insert(out, id)
  table.insert(out, status)
  table.insert(out, n)
  table.insert(out, rec)
end
return depth(out)
`)
