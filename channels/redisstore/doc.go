// Package redisstore implements channels.Store on Redis so several broker
// processes can serve the same channels.
//
// Design Notes
//   - History: one stream per channel, entry IDs are "<sequence>-0"
//   - Sequencing: HINCRBY on a metadata hash inside a Lua script with the XADD
//   - Count retention: exact MAXLEN on every append
//   - Age retention: filtered on read, keys expire after MaxAge+InactiveTTL idle
//   - Event tags: hash of tag to most recent sequence
//   - Wakeups: every append PUBLISHes the channel name on "<prefix>notify"
//
// Example:
//
//	store, err := redisstore.NewFromEnv(redisstore.WithRetention(channels.DefaultRetention))
//	if err != nil { ... }
//	defer store.Close()
//
// Use memorystore for a single process; use redisstore where scale-out or
// restart persistence is required.
package redisstore
