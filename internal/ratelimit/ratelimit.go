// Package ratelimit implements the per-remote-IP concurrency cap. The
// comparison is byte-exact on the full 16-byte IPv6 form, so an IPv4 client
// arriving as an IPv4-mapped IPv6 address is capped under its mapped form.
// There is no netmask coalescing.
package ratelimit

import "corral/internal/roster"

// Allow reports whether a new child for remoteAddr may be admitted, given
// the current roster snapshot and a cap (0 = unlimited).
func Allow(remoteAddr [16]byte, snapshot []roster.ChildRecord, cap uint) bool {
	if cap == 0 {
		return true
	}
	var count uint
	for _, rec := range snapshot {
		if rec.RemoteAddr == remoteAddr {
			count++
		}
	}
	return count < cap
}
