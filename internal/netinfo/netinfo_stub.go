//go:build !linux

package netinfo

import (
	"fmt"
	"net"

	"github.com/NodePath81/edgeprobe/internal/model"
)

// collect falls back to the first up, non-loopback interface that carries a
// global unicast address. Link type and speed are left unset.
func collect() (*model.NetworkInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		info := &model.NetworkInfo{
			InterfaceName: iface.Name,
			InterfaceMAC:  iface.HardwareAddr.String(),
		}
		fillAddrs(info, iface)
		if info.LocalIPv4 != "" || info.LocalIPv6 != "" {
			return info, nil
		}
	}
	return nil, fmt.Errorf("no active interface")
}
