// Package presence tracks whether queue-mode devices are reachable.
//
// A queue-mode device is AWAKE after any inbound traffic and falls back to
// SLEEPING once the awake duration passes without further traffic. Each
// wake cycle produces exactly one EventAwake no matter how many messages
// arrive, and one EventSleeping when the countdown ends.
//
// # Timers
//
// Every tracked registration owns one time.AfterFunc timer. Touch stops and
// re-arms it and bumps a generation counter so a timer that already fired
// for an older cycle is ignored. Remove stops the timer so nothing leaks
// when a registration is torn down early.
//
// # Tolerance
//
// Timer callbacks can run late on a loaded process. Reads treat a device as
// SLEEPING once AwakeDuration*(1+Tolerance) has passed since its last
// traffic even if the callback has not run yet.
package presence
