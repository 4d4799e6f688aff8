// SPDX-License-Identifier: MIT

package queue

import "github.com/redis/go-redis/v9"

// Every multi-step mutation runs server-side so concurrent callers on the
// same channel never interleave a read-modify-write. Scripts receive the
// discipline default and the item-key prefix as arguments; per-channel
// overrides live in the queue_state hash.

// addScript appends an item under the active discipline.
// KEYS: list, zset, state, item. ARGV: itemID, blob, score, defaultDiscipline,
// defaultMaxLen, front("1" pushes to the head under fifo).
// Returns {position, newSize} or {-1, size} when full.
var addScript = redis.NewScript(`
local discipline = redis.call('HGET', KEYS[3], 'discipline')
if not discipline then discipline = ARGV[4] end
local maxlen = tonumber(redis.call('HGET', KEYS[3], 'max_length') or ARGV[5])
local size
if discipline == 'priority' then
  size = redis.call('ZCARD', KEYS[2])
else
  size = redis.call('LLEN', KEYS[1])
end
if size >= maxlen then
  return {-1, size}
end
redis.call('SET', KEYS[4], ARGV[2])
redis.call('HSET', KEYS[3], 'placeholder_active', '0')
local pos
if discipline == 'priority' then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
  pos = redis.call('ZRANK', KEYS[2], ARGV[1])
else
  if ARGV[6] == '1' then
    redis.call('LPUSH', KEYS[1], ARGV[1])
    pos = 0
  else
    pos = redis.call('RPUSH', KEYS[1], ARGV[1]) - 1
  end
end
return {pos, size + 1}
`)

// removeScript deletes one queued item and its blob.
// KEYS: list, zset, item. Returns {0, newSize} or {-1, 0} when absent.
var removeScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1]) + redis.call('ZREM', KEYS[2], ARGV[1])
if removed == 0 then
  return {-1, 0}
end
redis.call('DEL', KEYS[3])
return {0, redis.call('LLEN', KEYS[1]) + redis.call('ZCARD', KEYS[2])}
`)

// moveScript repositions an item under fifo.
// KEYS: list, state. ARGV: itemID, newPos, defaultDiscipline.
// Returns {0, size}, {-1} absent, {-2} position out of range, {-3} wrong
// discipline.
var moveScript = redis.NewScript(`
local discipline = redis.call('HGET', KEYS[2], 'discipline')
if not discipline then discipline = ARGV[3] end
if discipline ~= 'fifo' then
  return {-3}
end
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local len = #items
local idx = nil
for i, v in ipairs(items) do
  if v == ARGV[1] then
    idx = i - 1
    break
  end
end
if idx == nil then
  return {-1}
end
local pos = tonumber(ARGV[2])
if pos < 0 or pos >= len then
  return {-2}
end
if pos == idx then
  return {0, len}
end
redis.call('LREM', KEYS[1], 1, ARGV[1])
if pos >= len - 1 then
  redis.call('RPUSH', KEYS[1], ARGV[1])
else
  local pivot = redis.call('LINDEX', KEYS[1], pos)
  redis.call('LINSERT', KEYS[1], 'BEFORE', pivot, ARGV[1])
end
return {0, len}
`)

// skipScript registers a skip. With a track playing it only marks the
// intent; the worker drains it at a safe point. Otherwise it pops the head
// outright.
// KEYS: state, list, zset, skip. ARGV: defaultDiscipline, itemPrefix.
// Returns {1, currentID} intent set, {2, poppedID, newSize} popped,
// {0} empty.
var skipScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'current_item_id')
if current and current ~= '' then
  redis.call('SET', KEYS[4], current, 'EX', 60)
  return {1, current, 0}
end
local discipline = redis.call('HGET', KEYS[1], 'discipline')
if not discipline then discipline = ARGV[1] end
local id = nil
if discipline == 'priority' then
  local z = redis.call('ZPOPMIN', KEYS[3])
  if #z > 0 then id = z[1] end
else
  id = redis.call('LPOP', KEYS[2])
end
if not id then
  return {0, '', 0}
end
redis.call('DEL', ARGV[2] .. id)
return {2, id, redis.call('LLEN', KEYS[2]) + redis.call('ZCARD', KEYS[3])}
`)

// nextScript pops the head for the worker, or arms the placeholder flag
// when the queue is empty and the channel should keep broadcasting.
// KEYS: state, list, zset. ARGV: desiredRunning("1"), defaultDiscipline,
// itemPrefix.
// Returns {1, id, blob, size} item, {2} placeholder armed, {0} idle,
// {3, id, '', size} blob missing.
var nextScript = redis.NewScript(`
local discipline = redis.call('HGET', KEYS[1], 'discipline')
if not discipline then discipline = ARGV[2] end
local id = nil
if discipline == 'priority' then
  local z = redis.call('ZPOPMIN', KEYS[3])
  if #z > 0 then id = z[1] end
else
  id = redis.call('LPOP', KEYS[2])
end
if id then
  local key = ARGV[3] .. id
  local blob = redis.call('GET', key)
  redis.call('DEL', key)
  local size = redis.call('LLEN', KEYS[2]) + redis.call('ZCARD', KEYS[3])
  if not blob then
    return {3, id, '', size}
  end
  redis.call('HSET', KEYS[1], 'current_item_id', id, 'placeholder_active', '0')
  return {1, id, blob, size}
end
if ARGV[1] == '1' then
  redis.call('HSET', KEYS[1], 'placeholder_active', '1')
  return {2, '', '', 0}
end
return {0, '', '', 0}
`)

// setDisciplineScript switches the discipline of an empty queue.
// KEYS: state, list, zset. ARGV: newDiscipline, defaultDiscipline.
// Returns 0 ok (idempotent), -1 has items.
var setDisciplineScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'discipline')
if not current then current = ARGV[2] end
if current == ARGV[1] then
  return 0
end
if redis.call('LLEN', KEYS[2]) + redis.call('ZCARD', KEYS[3]) > 0 then
  return -1
end
redis.call('HSET', KEYS[1], 'discipline', ARGV[1])
return 0
`)

// migrateScript moves every queued id between the two storage shapes,
// recomputing priority scores from the stored blobs.
// KEYS: state, list, zset. ARGV: from, to, itemPrefix, defaultDiscipline.
// Returns {0, moved} or {-1, 0} when from does not match the live
// discipline.
var migrateScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'discipline')
if not current then current = ARGV[4] end
if current ~= ARGV[1] then
  return {-1, 0}
end
if ARGV[1] == ARGV[2] then
  return {0, 0}
end
local moved = 0
if ARGV[2] == 'priority' then
  local ids = redis.call('LRANGE', KEYS[2], 0, -1)
  for i, id in ipairs(ids) do
    local base = 2000
    local ms = 0
    local blob = redis.call('GET', ARGV[3] .. id)
    if blob then
      local ok, item = pcall(cjson.decode, blob)
      if ok and item then
        if item['requester_tier'] == 'vip' then
          base = 0
        elseif item['requester_tier'] == 'admin' then
          base = 1000
        end
        ms = tonumber(item['created_unix_ms']) or 0
      end
    end
    redis.call('ZADD', KEYS[3], base + ms / 2199023255552, id)
    moved = moved + 1
  end
  redis.call('DEL', KEYS[2])
else
  local ids = redis.call('ZRANGE', KEYS[3], 0, -1)
  for i, id in ipairs(ids) do
    redis.call('RPUSH', KEYS[2], id)
    moved = moved + 1
  end
  redis.call('DEL', KEYS[3])
end
redis.call('HSET', KEYS[1], 'discipline', ARGV[2])
return {0, moved}
`)

// clearScript empties both shapes and deletes the item blobs.
// KEYS: list, zset. ARGV: itemPrefix. Returns the number cleared.
var clearScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for i, id in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. id)
end
local zids = redis.call('ZRANGE', KEYS[2], 0, -1)
for i, id in ipairs(zids) do
  redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1], KEYS[2])
return #ids + #zids
`)
