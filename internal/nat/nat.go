// Package nat attempts best-effort UPnP / NAT-PMP port mapping for the TCP
// peer port, built directly against the goupnp and go-nat-pmp client APIs.
// Mapping is advisory: intrascale targets a single LAN and works fine
// without it, so failures here are logged and otherwise ignored — this
// must never gate Connection Manager startup.
package nat

import (
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/probechain/intrascale/internal/log"
)

const (
	mappingLifetime    = 2 * time.Hour
	mappingDescription = "intrascale transport"
)

// MapPort attempts to map internalPort -> externalPort over TCP, first via
// NAT-PMP against the given gateway, falling back to a best-effort UPnP
// internet-gateway discovery and WANIPConnection AddPortMapping call.
// Neither path ever returns an error: a LAN without a NAT device (the
// expected deployment, per SPEC_FULL.md's non-goal on cross-subnet
// discovery) simply logs at Debug and continues.
func MapPort(gatewayIP string, internalPort, externalPort int) {
	l := log.New("component", "nat")

	if gatewayIP != "" {
		if ip := net.ParseIP(gatewayIP); ip != nil {
			client := natpmp.NewClientWithTimeout(ip, 250*time.Millisecond)
			_, err := client.AddPortMapping("tcp", internalPort, externalPort, int(mappingLifetime.Seconds()))
			if err == nil {
				l.Info("mapped TCP port via NAT-PMP", "internal", internalPort, "external", externalPort)
				return
			}
			l.Debug("NAT-PMP port mapping failed", "err", err)
		}
	}

	if mapViaUPnP(l, internalPort, externalPort) {
		return
	}
	l.Debug("no usable UPnP internet gateway found, continuing without port mapping")
}

// mapViaUPnP discovers a WANIPConnection1 gateway client and asks it to map
// internalPort -> externalPort over TCP. Returns false if no gateway could
// be reached or every mapping attempt failed.
func mapViaUPnP(l log.Logger, internalPort, externalPort int) bool {
	clients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil || len(clients) == 0 {
		return false
	}

	internalIP, err := outboundIP()
	if err != nil {
		l.Debug("could not determine local IP for UPnP mapping", "err", err)
		return false
	}

	for _, client := range clients {
		err := client.AddPortMapping(
			"", uint16(externalPort), "TCP", uint16(internalPort), internalIP.String(),
			true, mappingDescription, uint32(mappingLifetime.Seconds()),
		)
		if err == nil {
			l.Info("mapped TCP port via UPnP", "internal", internalPort, "external", externalPort)
			return true
		}
		l.Debug("UPnP port mapping attempt failed", "err", err)
	}
	return false
}

// outboundIP returns the local address this host would use to reach the
// LAN, without actually sending any packets (UDP "connect" just resolves a
// route).
func outboundIP() (net.IP, error) {
	conn, err := net.Dial("udp4", "255.255.255.255:1")
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
