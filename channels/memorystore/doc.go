// Package memorystore provides an in-memory channels.Store suitable for tests,
// development and single-process brokers. All history is ephemeral and
// discarded on process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Ordering          : gapless per-channel sequences starting at 1
//	Retention         : count and age bounds, idle channel collection
//	Concurrency       : per-channel RWMutex, appends to distinct channels run in parallel
//
// Example:
//
//	store := memorystore.New(memorystore.WithRetention(channels.Retention{MaxMessages: 50}))
//	defer store.Close()
//	// wire into longpoll.New(store, ...)
//
// For several broker processes sharing channels use redisstore.
package memorystore
