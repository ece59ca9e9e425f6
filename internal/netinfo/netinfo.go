// Package netinfo identifies the local network path used for a measurement:
// the default interface, its addresses and, where the platform allows, link
// type and speed. Everything here is best-effort enrichment; failures
// degrade to missing fields, never to a failed run.
package netinfo

import (
	"net"

	"github.com/NodePath81/edgeprobe/internal/model"
	"github.com/NodePath81/edgeprobe/internal/util"
)

// Collect gathers what it can about the default route's interface. It
// returns nil when not even the interface could be identified.
func Collect(logger util.Logger) *model.NetworkInfo {
	info, err := collect()
	if err != nil {
		logger.Debug("network info unavailable", "err", err)
		return nil
	}
	return info
}

// fillAddrs records the first global unicast v4 and v6 address of iface.
func fillAddrs(info *model.NetworkInfo, iface *net.Interface) {
	addrs, err := iface.Addrs()
	if err != nil {
		return
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || !ipnet.IP.IsGlobalUnicast() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			if info.LocalIPv4 == "" {
				info.LocalIPv4 = v4.String()
			}
		} else if info.LocalIPv6 == "" {
			info.LocalIPv6 = ipnet.IP.String()
		}
	}
}
