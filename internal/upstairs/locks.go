package upstairs

// This file documents, rather than implements, the lock order every
// goroutine in this package must respect. The mutexes themselves live on
// their owning types (Gateway's request queue, GtoSTable, WorkQueue,
// ClientState, Job) — this is the map of how they nest.
//
// Order (a goroutine may acquire a lower-numbered lock while holding a
// higher-numbered one, never the reverse):
//
//  1. Guest request queue  (Gateway.mu)
//  2. GtoS table           (GtoSTable.mu)
//  3. Downstairs            (WorkQueue.mu, ClientState.mu — distinct
//                             mutexes, same tier: never hold one while
//                             blocking to acquire the other)
//  4. Per-job data buffer  (Job.mu)
//
// No lock is ever held across a channel send/receive, a network call, or
// any other suspension point. Job.DepsTerminalOn takes a plain lookup
// callback instead of a WorkQueue pointer specifically so Job never needs
// to reach back up to tier 3 while already under its own tier-4 lock.
