package sched

import "github.com/you/tubeq/internal/script"

// Every mutating protocol operation is a single server-side script so that
// select/remove/reinsert sequences are indivisible with respect to any other
// reserve, schedule or sweep on the same tube. Window edges are inclusive,
// matching native ZRANGEBYSCORE semantics; ties within a score break
// lexicographically on the payload, identically in both queues.

// reserveScript moves up to maxJobs ready entries whose score lies inside
// [lower, upper] into the running queue at the lease score, returning the
// moved members with their original scores.
var reserveScript = script.New(`
local readyQueue = KEYS[1]
local runningQueue = KEYS[2]
local maxJobs = tonumber(ARGV[1])
local lowerScore = ARGV[2]
local upperScore = ARGV[3]
local leaseScore = ARGV[4]
local jobs = redis.call('ZRANGEBYSCORE', readyQueue, lowerScore, upperScore, 'WITHSCORES', 'LIMIT', 0, maxJobs)
for i = 1, #jobs, 2 do
    redis.call('ZREM', readyQueue, jobs[i])
    redis.call('ZADD', runningQueue, leaseScore, jobs[i])
end
return jobs`)

// exclusiveReserveScript is reserveScript gated on the tube's pause flag.
var exclusiveReserveScript = script.New(`
local readyQueue = KEYS[1]
local runningQueue = KEYS[2]
local pausedTube = KEYS[3]
if redis.call('EXISTS', pausedTube) == 1 then
    return {}
end
local maxJobs = tonumber(ARGV[1])
local lowerScore = ARGV[2]
local upperScore = ARGV[3]
local leaseScore = ARGV[4]
local jobs = redis.call('ZRANGEBYSCORE', readyQueue, lowerScore, upperScore, 'WITHSCORES', 'LIMIT', 0, maxJobs)
for i = 1, #jobs, 2 do
    redis.call('ZREM', readyQueue, jobs[i])
    redis.call('ZADD', runningQueue, leaseScore, jobs[i])
end
return jobs`)

// requeueExpiredScript sweeps lease-expired running entries back into the
// ready queue at the target score, returning them with their expired lease
// scores.
var requeueExpiredScript = script.New(`
local readyQueue = KEYS[1]
local runningQueue = KEYS[2]
local now = ARGV[1]
local targetScore = ARGV[2]
local expired = redis.call('ZRANGEBYSCORE', runningQueue, '-inf', now, 'WITHSCORES')
for i = 1, #expired, 2 do
    redis.call('ZREM', runningQueue, expired[i])
    redis.call('ZADD', readyQueue, targetScore, expired[i])
end
return expired`)

// removeExpiredScript discards entries at or below the cutoff score from one
// collection, returning them. Used for the exclusive policy's permanent
// removal on both the running (lease expired) and ready (never reserved)
// sides.
var removeExpiredScript = script.New(`
local queue = KEYS[1]
local cutoff = ARGV[1]
local expired = redis.call('ZRANGEBYSCORE', queue, '-inf', cutoff, 'WITHSCORES')
for i = 1, #expired, 2 do
    redis.call('ZREM', queue, expired[i])
end
return expired`)

// timeScheduleScript inserts a job due at runAt, or debounces an update: an
// existing entry is rescored only when its score is more than quiescence
// millis away from now. Returns 1 scheduled, 0 quiescence-rejected,
// -1 over capacity.
var timeScheduleScript = script.New(`
local readyQueue = KEYS[1]
local jobStr = ARGV[1]
local runAt = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local quiescence = tonumber(ARGV[4])
local maxReadySize = tonumber(ARGV[5])
local current = redis.call('ZSCORE', readyQueue, jobStr)
if not current then
    if maxReadySize >= 0 and redis.call('ZCARD', readyQueue) >= maxReadySize then
        return -1
    end
    redis.call('ZADD', readyQueue, runAt, jobStr)
    return 1
end
if math.abs(now - tonumber(current)) > quiescence then
    redis.call('ZADD', readyQueue, runAt, jobStr)
    return 1
end
return 0`)

// exclusiveScheduleScript inserts only when the job is absent from both
// queues, so a payload has at most one live instance per tube.
var exclusiveScheduleScript = script.New(`
local readyQueue = KEYS[1]
local runningQueue = KEYS[2]
local jobStr = ARGV[1]
local runAt = ARGV[2]
if redis.call('ZSCORE', readyQueue, jobStr) or redis.call('ZSCORE', runningQueue, jobStr) then
    return 0
end
redis.call('ZADD', readyQueue, runAt, jobStr)
return 1`)

// deleteJobScript removes a job from both queues, reporting whether it was in
// either.
var deleteJobScript = script.New(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1]) + redis.call('ZREM', KEYS[2], ARGV[1])
if removed > 0 then
    return 1
end
return 0`)
