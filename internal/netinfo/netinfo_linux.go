//go:build linux

package netinfo

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/NodePath81/edgeprobe/internal/model"
)

// SIOCGIWNAME answers only on wireless extensions capable interfaces, which
// makes it the cheapest wireless test available.
const siocgiwname = 0x8B01

func collect() (*model.NetworkInfo, error) {
	link, err := defaultLink()
	if err != nil {
		return nil, err
	}
	attrs := link.Attrs()

	info := &model.NetworkInfo{
		InterfaceName: attrs.Name,
		InterfaceMAC:  attrs.HardwareAddr.String(),
	}

	wireless := isWireless(attrs.Name)
	info.IsWireless = &wireless
	if wireless {
		info.NetworkName = ssid(attrs.Name)
	}
	info.LinkSpeedMbps = linkSpeed(attrs.Name)

	if iface, err := net.InterfaceByName(attrs.Name); err == nil {
		fillAddrs(info, iface)
	}
	return info, nil
}

// defaultLink returns the interface carrying the IPv4 default route.
func defaultLink() (netlink.Link, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	for _, r := range routes {
		if r.Dst != nil && r.Dst.IP != nil && !r.Dst.IP.IsUnspecified() {
			continue
		}
		if r.LinkIndex == 0 {
			continue
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil || link.Attrs().OperState == netlink.OperDown {
			continue
		}
		return link, nil
	}
	return nil, fmt.Errorf("no default route")
}

func isWireless(name string) bool {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)

	req, err := unix.NewIfreq(name)
	if err != nil {
		return false
	}
	return unix.IoctlIfreq(fd, siocgiwname, req) == nil
}

func ssid(name string) string {
	out, err := exec.Command("iwgetid", "-r", name).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// linkSpeed reads the negotiated speed from sysfs. Wireless and virtual
// interfaces report -1 or nothing; both come back as 0 here.
func linkSpeed(name string) int {
	raw, err := os.ReadFile("/sys/class/net/" + name + "/speed")
	if err != nil {
		return 0
	}
	speed, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || speed < 0 {
		return 0
	}
	return speed
}
