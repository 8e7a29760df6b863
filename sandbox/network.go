package sandbox

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// bringUpLoopback brings the "lo" interface up inside the current network
// namespace. A freshly unshared net namespace starts with loopback present
// but administratively down; callers binding to 127.0.0.1 (the transfer
// engine's loopback Transport, for instance) need it up first. This must
// run before the capability reducer strips CAP_NET_ADMIN.
func bringUpLoopback() error {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("sandbox: lookup loopback link: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("sandbox: bring up loopback link: %w", err)
	}
	return nil
}
