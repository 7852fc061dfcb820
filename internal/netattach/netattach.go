//go:build linux

// Package netattach implements parent-side creation of a virtual network
// interface placed into a child's network namespace. All low-level link
// creation is delegated to github.com/vishvananda/netlink; this package
// only pins the two link kinds and their fixed interface names.
package netattach

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// Kind selects which virtual link type to create.
type Kind int

const (
	Macvtap Kind = iota
	Macvlan
)

// Attach creates a virtual link of the given kind whose master is
// srcIface, names it vt0 (macvtap) or vl0 (macvlan), and moves it into the
// network namespace of childPID. Failure here is never fatal to the
// child; callers should log and continue, never propagate as a spawn
// failure.
func Attach(kind Kind, srcIface string, childPID int) error {
	master, err := netlink.LinkByName(srcIface)
	if err != nil {
		return fmt.Errorf("lookup master interface %q: %w", srcIface, err)
	}

	switch kind {
	case Macvtap:
		link := &netlink.Macvtap{
			Macvlan: netlink.Macvlan{
				LinkAttrs: netlink.LinkAttrs{
					Name:        "vt0",
					ParentIndex: master.Attrs().Index,
				},
				Mode: netlink.MACVLAN_MODE_BRIDGE,
			},
		}
		if err := netlink.LinkAdd(link); err != nil {
			return fmt.Errorf("create macvtap vt0 on %q: %w", srcIface, err)
		}
		if err := netlink.LinkSetNsPid(link, childPID); err != nil {
			return fmt.Errorf("move vt0 into netns of pid %d: %w", childPID, err)
		}
		return nil
	case Macvlan:
		link := &netlink.Macvlan{
			LinkAttrs: netlink.LinkAttrs{
				Name:        "vl0",
				ParentIndex: master.Attrs().Index,
			},
			Mode: netlink.MACVLAN_MODE_BRIDGE,
		}
		if err := netlink.LinkAdd(link); err != nil {
			return fmt.Errorf("create macvtap vl0 on %q: %w", srcIface, err)
		}
		if err := netlink.LinkSetNsPid(link, childPID); err != nil {
			return fmt.Errorf("move vl0 into netns of pid %d: %w", childPID, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown virtual link kind %d", kind)
	}
}
