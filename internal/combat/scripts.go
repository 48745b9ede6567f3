package combat

import "github.com/redis/go-redis/v9"

// State hash fields:
//   round, applied, claim, snap, closed, outcome, reason, winner
//   p{1,2}_hp, p{1,2}_energy, p{1,2}_defense, p{1,2}_active, p{1,2}_ready, p{1,2}_last_click

const ensureState = `
local function ensure(st, hp)
  if redis.call('EXISTS', st) == 0 then
    redis.call('HSET', st, 'round', '1', 'applied', '0', 'claim', '0', 'closed', '0',
      'p1_hp', hp, 'p2_hp', hp,
      'p1_energy', '0', 'p1_defense', '0', 'p2_energy', '0', 'p2_defense', '0',
      'p1_active', '0', 'p2_active', '0', 'p1_ready', '0', 'p2_ready', '0')
  end
end

-- a round already claimed but not yet applied has its pools reset, so input belongs to the next one
local function effectiveRound(st)
  local round = tonumber(redis.call('HGET', st, 'round'))
  if tonumber(redis.call('HGET', st, 'claim')) == round then return round + 1 end
  return round
end
`

// KEYS: state, actions list
// ARGV: slot, action, now ms, per click, max, start hp, min interval ms, now rfc3339
var actionScript = redis.NewScript(ensureState + `
local st = KEYS[1]
ensure(st, ARGV[6])
if redis.call('HGET', st, 'closed') == '1' then return {-1, 0} end
local slot = ARGV[1]
local now = tonumber(ARGV[3])
local gap = tonumber(ARGV[7])
if gap > 0 then
  local last = tonumber(redis.call('HGET', st, slot .. '_last_click') or '0')
  if last > 0 and now - last < gap then return {-2, 0} end
end
local field = slot .. '_energy'
if ARGV[2] == 'defend' then field = slot .. '_defense' end
local cur = tonumber(redis.call('HGET', st, field) or '0')
local nxt = math.min(cur + tonumber(ARGV[4]), tonumber(ARGV[5]))
redis.call('HSET', st, field, tostring(nxt), slot .. '_active', '1', slot .. '_last_click', ARGV[3])
local round = effectiveRound(st)
redis.call('RPUSH', KEYS[2], '{"round":' .. round .. ',"action":"' .. ARGV[2] .. '","timestamp":"' .. ARGV[8] .. '"}')
return {nxt, round}
`)

// Ready is not an action: it never marks the player active for the timeout rule.
// KEYS: state
// ARGV: slot, start hp
var readyScript = redis.NewScript(ensureState + `
local st = KEYS[1]
ensure(st, ARGV[2])
if redis.call('HGET', st, 'closed') == '1' then return {-1, 0} end
redis.call('HSET', st, ARGV[1] .. '_ready', '1')
local both = 0
if redis.call('HGET', st, 'p1_ready') == '1' and redis.call('HGET', st, 'p2_ready') == '1' then both = 1 end
return {both, effectiveRound(st)}
`)

// Snapshots and resets both pools for round N. A round claimed earlier but
// never applied hands back the stored snapshot so a retry resolves identically.
// KEYS: state
// ARGV: round, start hp, p1 crit, p2 crit
var claimScript = redis.NewScript(ensureState + `
local st = KEYS[1]
ensure(st, ARGV[2])
local n = tonumber(ARGV[1])
if redis.call('HGET', st, 'closed') == '1' then return {'closed', ''} end
local cur = tonumber(redis.call('HGET', st, 'round'))
if n ~= cur then
  if n < cur then return {'applied', ''} end
  return {'stale', ''}
end
if tonumber(redis.call('HGET', st, 'claim')) == n then
  return {'resume', redis.call('HGET', st, 'snap')}
end
local f = redis.call('HMGET', st, 'p1_energy', 'p1_defense', 'p2_energy', 'p2_defense', 'p1_active', 'p2_active', 'p1_hp', 'p2_hp')
local snap = table.concat({ARGV[1], f[1], f[2], f[3], f[4], f[5], f[6], f[7], f[8], ARGV[3], ARGV[4]}, ':')
redis.call('HSET', st, 'p1_energy', '0', 'p1_defense', '0', 'p2_energy', '0', 'p2_defense', '0',
  'p1_active', '0', 'p2_active', '0', 'p1_ready', '0', 'p2_ready', '0', 'claim', ARGV[1], 'snap', snap)
return {'claimed', snap}
`)

// Applies a computed round exactly once (applied must equal N-1).
// KEYS: state, rounds list, log list
// ARGV: round, p1 hp, p2 hp, result json, terminal, status, reason, winner, log lines...
var applyScript = redis.NewScript(`
local st = KEYS[1]
local n = tonumber(ARGV[1])
if tonumber(redis.call('HGET', st, 'applied')) ~= n - 1 then return 0 end
if tonumber(redis.call('HGET', st, 'claim')) ~= n then return 0 end
redis.call('HSET', st, 'applied', ARGV[1], 'p1_hp', ARGV[2], 'p2_hp', ARGV[3], 'snap', '')
if ARGV[5] == '1' then
  redis.call('HSET', st, 'closed', '1', 'outcome', ARGV[6], 'reason', ARGV[7], 'winner', ARGV[8])
else
  redis.call('HSET', st, 'round', tostring(n + 1))
end
redis.call('RPUSH', KEYS[2], ARGV[4])
for i = 9, #ARGV do
  redis.call('RPUSH', KEYS[3], ARGV[i])
end
return 1
`)
