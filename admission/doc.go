// Package admission gates AI-dependent work on the monthly budget.
//
// A [Controller] reads the ledger on every call and maps the spend to a
// [Band]:
//
//	NORMAL     below 75%       full batch
//	REDUCE     75% to 90%      smaller batch
//	QUEUE      90% to 100%     defer to the first instant of next month
//	HARD_STOP  100% and above  reject, the caller falls back
//
// Repeated content is short-circuited by a [FingerprintCache], either
// process-local ([MemoryCache]) or shared through Redis ([RedisCache]).
package admission
