package ratelimit_test

import (
	"testing"

	"corral/internal/ratelimit"
	"corral/internal/roster"
)

func addr(b0 byte) [16]byte {
	var a [16]byte
	a[15] = b0
	return a
}

// ipv4Mapped builds the [16]byte form of an IPv4-mapped IPv6 address.
func ipv4Mapped(a, b, c, d byte) [16]byte {
	var out [16]byte
	out[10] = 0xff
	out[11] = 0xff
	out[12] = a
	out[13] = b
	out[14] = c
	out[15] = d
	return out
}

func TestAllowUnlimitedWhenCapZero(t *testing.T) {
	snap := []roster.ChildRecord{
		{RemoteAddr: addr(1)}, {RemoteAddr: addr(1)}, {RemoteAddr: addr(1)},
	}
	if !ratelimit.Allow(addr(1), snap, 0) {
		t.Fatal("Allow with cap 0 must always permit")
	}
}

func TestAllowRespectsCap(t *testing.T) {
	snap := []roster.ChildRecord{
		{RemoteAddr: addr(1)}, {RemoteAddr: addr(1)},
	}
	if ratelimit.Allow(addr(1), snap, 2) {
		t.Fatal("Allow must deny once the cap is already reached")
	}
	if !ratelimit.Allow(addr(1), snap, 3) {
		t.Fatal("Allow must permit when below the cap")
	}
}

func TestAllowCountsPerAddressOnly(t *testing.T) {
	snap := []roster.ChildRecord{
		{RemoteAddr: addr(1)}, {RemoteAddr: addr(2)},
	}
	if !ratelimit.Allow(addr(1), snap, 1) {
		t.Fatal("a different remote address must not count against this one's cap")
	}
}

func TestAllowDistinguishesIPv4MappedFromIPv6(t *testing.T) {
	mapped := ipv4Mapped(10, 0, 0, 1)
	var native [16]byte
	native[15] = 1 // a plain IPv6 address that is not IPv4-mapped

	snap := []roster.ChildRecord{{RemoteAddr: mapped}}
	if !ratelimit.Allow(native, snap, 1) {
		t.Fatal("an IPv4-mapped address must not be conflated with an unrelated IPv6 address")
	}
	if ratelimit.Allow(mapped, snap, 1) {
		t.Fatal("the same IPv4-mapped address must be capped under its exact mapped form")
	}
}
