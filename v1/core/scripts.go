package core

import redis "github.com/redis/go-redis/v9"

const luaBump = `
local function newer(ts, last)
    if not last then
        return ts
    end
    if #ts > #last or (#ts == #last and ts > last) then
        return ts
    end
    local d = {}
    for i = 1, #last do
        d[i] = tonumber(string.sub(last, i, i))
    end
    local i = #d
    while i > 0 do
        if d[i] < 9 then
            d[i] = d[i] + 1
            break
        end
        d[i] = 0
        i = i - 1
    end
    local out = table.concat(d)
    if i == 0 then
        out = "1" .. out
    end
    return out
end
`

// writeScript applies a create, update or delete to one key and fans the
// change out to every subscribed queue. Timestamps come from the server
// clock and are strictly increasing per key lineage, deletes included.
//
// ARGV: mode, namespaced key, key name, payload, index set.
// Returns {status, timestamp}; status is "ok", "exists" or "notfound".
var writeScript = redis.NewScript(luaBump + `
local mode = ARGV[1]
local ns = ARGV[2]
local name = ARGV[3]
local payload = ARGV[4]
local vkey = "colink:kv:" .. ns
local tkey = "colink:ts:" .. ns
local last = redis.call("GET", tkey)

local live = redis.call("EXISTS", vkey) == 1
if mode == "create" and live then
    return {"exists", last or "0"}
end
if mode == "delete" and not live then
    return {"notfound", last or "0"}
end

local now = redis.call("TIME")
local ts = newer(now[1] .. string.format("%06d", tonumber(now[2])) .. "000", last)
local path = ns .. "@" .. ts

if mode == "delete" then
    redis.call("DEL", vkey)
    payload = ""
else
    redis.call("SET", vkey, payload)
    redis.call("SET", "colink:kv:" .. path, payload)
    redis.call("SADD", ARGV[5], name)
end
redis.call("SET", tkey, ts)
redis.call("XADD", "colink:log:" .. ns, ts .. "-0", "t", mode, "p", payload)

local queues = redis.call("SMEMBERS", "colink:subs:" .. ns)
for _, q in ipairs(queues) do
    redis.call("XADD", "colink:mq:" .. q, "*", "t", mode, "p", payload, "ts", ts, "k", path)
end
return {"ok", ts}
`)

// subscribeScript registers a queue on a key and backfills it with every
// logged change at or after the start timestamp. Running as one script
// leaves no gap between backfill and live fan-out.
//
// ARGV: namespaced key, queue name, start timestamp ("0" for none).
var subscribeScript = redis.NewScript(`
local ns = ARGV[1]
local mq = "colink:mq:" .. ARGV[2]
redis.pcall("XGROUP", "CREATE", mq, "colink", "0", "MKSTREAM")
redis.call("SADD", "colink:subs:" .. ns, ARGV[2])
redis.call("SET", "colink:mqkey:" .. ARGV[2], ns)
if ARGV[3] ~= "0" then
    local entries = redis.call("XRANGE", "colink:log:" .. ns, ARGV[3] .. "-0", "+")
    for _, e in ipairs(entries) do
        local ts = string.match(e[1], "^(%d+)")
        local f = e[2]
        local mode, payload = "", ""
        for i = 1, #f, 2 do
            if f[i] == "t" then mode = f[i + 1] end
            if f[i] == "p" then payload = f[i + 1] end
        end
        redis.call("XADD", mq, "*", "t", mode, "p", payload, "ts", ts, "k", ns .. "@" .. ts)
    end
end
return ARGV[2]
`)

var unsubscribeScript = redis.NewScript(`
local ns = redis.call("GET", "colink:mqkey:" .. ARGV[1])
if ns then
    redis.call("SREM", "colink:subs:" .. ns, ARGV[1])
end
redis.call("DEL", "colink:mqkey:" .. ARGV[1], "colink:mq:" .. ARGV[1])
return 1
`)
