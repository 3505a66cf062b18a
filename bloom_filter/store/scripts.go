package store

// KEYS: shard keys, ARGV: bit offsets.
const setBitsScript = `
for _, key in ipairs(KEYS) do
    for _, offset in ipairs(ARGV) do
        redis.call("setbit", key, offset, 1)
    end
end
return 1
`

// KEYS: shard keys, ARGV: bit offsets. Reply is key-major.
const getBitsScript = `
local bits = {}
for _, key in ipairs(KEYS) do
    for _, offset in ipairs(ARGV) do
        bits[#bits + 1] = redis.call("getbit", key, offset)
    end
end
return bits
`

// KEYS: source keys followed by the target key. Sources are folded in
// chunks so a long key list never exceeds the unpack limit.
const copyUnionScript = `
local target = KEYS[#KEYS]
local chunk = 64
for first = 1, #KEYS - 1, chunk do
    local args = {"or", target, target}
    for i = first, math.min(first + chunk - 1, #KEYS - 1) do
        args[#args + 1] = KEYS[i]
    end
    redis.call("bitop", unpack(args))
end
return 1
`

// KEYS: keys to clear, ARGV[1]: bit size.
const clearScript = `
local last = tonumber(ARGV[1]) - 1
for _, key in ipairs(KEYS) do
    redis.call("del", key)
    redis.call("setbit", key, last, 0)
end
return 1
`
