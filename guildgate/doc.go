// Package guildgate implements the coordination and rate-control substrate
// shared by the bot's shard processes.
//
// Each shard runs thousands of concurrent goroutines handling events for
// independent guilds, all competing for a small set of externally-owned
// resources: the Discord API, the relational store, and a shared Redis
// coordination store. This package provides the primitives that let those
// goroutines share safely:
//
//   - Pool: connections to the coordination store, with bounded size and
//     jittered connect retry.
//   - AtomicRateLimiter: a global request budget per key, enforced with a
//     single atomic server-side script.
//   - LeaseLock: at-most-one-writer semantics on a named resource, with
//     background lease renewal while held.
//   - ProcessLocalCache: an expiring in-process map for short-lived
//     memoization.
//   - TenantDispatchQueue: fair, rate-paced delivery of outbound messages,
//     one ordered queue per guild.
//   - SlidingWindowCounter: in-memory "more than N events in the last W
//     seconds" detection for moderation thresholds.
//
// A Coordinator owns all of the above and provides the init/shutdown
// lifecycle. Command handling, moderation rules, and the rest of the bot's
// business logic live in the layers above and only reach the store through
// these primitives.
package guildgate
