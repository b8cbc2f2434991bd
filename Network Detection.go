/*
File Name:  Network Detection.go
Copyright:  2025 Bazaarnet s.r.o.
Author:     Bazaarnet developers
*/

package core

import (
	"net"
	"strings"
	"time"
)

// FindInterfaceByIP finds an interface based on the IP. The IP must be available at the interface.
func FindInterfaceByIP(ip net.IP) (iface *net.Interface, ipnet *net.IPNet) {
	interfaceList, err := net.Interfaces()
	if err != nil {
		return nil, nil
	}

	// iterate through all interfaces
	for _, ifaceSingle := range interfaceList {
		addresses, err := ifaceSingle.Addrs()
		if err != nil {
			continue
		}

		// iterate through all IPs of the interfaces
		for _, address := range addresses {
			addressIP := address.(*net.IPNet).IP

			if addressIP.Equal(ip) {
				ifaceR := ifaceSingle
				return &ifaceR, address.(*net.IPNet)
			}
		}
	}

	return nil, nil
}

// NetworkListIPs returns a list of all IPs
func NetworkListIPs() (IPs []net.IP, err error) {
	interfaceList, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	// iterate through all interfaces
	for _, ifaceSingle := range interfaceList {
		addresses, err := ifaceSingle.Addrs()
		if err != nil {
			continue
		}

		// iterate through all IPs of the interfaces
		for _, address := range addresses {
			addressIP := address.(*net.IPNet).IP
			IPs = append(IPs, addressIP)
		}
	}

	return IPs, nil
}

// IsIPv4 checks if an IP address is IPv4
func IsIPv4(IP net.IP) bool {
	return IP.To4() != nil
}

// IsIPv6 checks if an IP address is IPv6
func IsIPv6(IP net.IP) bool {
	return IP.To4() == nil && IP.To16() != nil
}

// private IPv4 and IPv6 networks used by IsIPLocal
var privateNets []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"169.254.0.0/16", // RFC3927 link-local
		"127.0.0.0/8",    // loopback
		"fc00::/7",       // IPv6 unique local
		"fe80::/10",      // IPv6 link-local
		"::1/128",        // IPv6 loopback
	} {
		_, ipnet, _ := net.ParseCIDR(cidr)
		privateNets = append(privateNets, ipnet)
	}
}

// IsIPLocal reports whether the IP belongs to a private or link-local network
func IsIPLocal(IP net.IP) bool {
	for _, ipnet := range privateNets {
		if ipnet.Contains(IP) {
			return true
		}
	}
	return false
}

// featureSupport returns the feature bit array of this node for announcement messages
func featureSupport() (features uint8) {
	networksMutex.RLock()
	defer networksMutex.RUnlock()

	if len(networks4) > 0 {
		features |= 1 << FeatureIPv4Listen
	}
	if len(networks6) > 0 {
		features |= 1 << FeatureIPv6Listen
	}
	return features
}

// IsNetworkErrorFatal checks if a network error indicates a broken connection.
// Not every network error indicates a broken connection. This function prevents from over-dropping connections.
func IsNetworkErrorFatal(err error) bool {
	if err == nil {
		return false
	}

	// Windows: A common error when the network adapter is disabled is "wsasendto: The requested address is not valid in its context".
	if strings.Contains(err.Error(), "requested address is not valid in its context") {
		return true
	}

	return false
}

// changeMonitorFrequency is the frequency in seconds to check for a network change
const changeMonitorFrequency = 10

// networkChangeMonitor monitors for network changes to act accordingly
func networkChangeMonitor() {
	// If manual IPs are entered, no need for monitoring for any network changes.
	if len(config.Listen) > 0 {
		return
	}

	for {
		time.Sleep(time.Second * changeMonitorFrequency)

		interfaceList, err := net.Interfaces()
		if err != nil {
			Filters.LogError("networkChangeMonitor", "enumerating network adapters: %v\n", err.Error())
			continue
		}

		ifacesNew := make(map[string][]net.Addr)

		for _, iface := range interfaceList {
			addressesNew, err := iface.Addrs()
			if err != nil {
				Filters.LogError("networkChangeMonitor", "enumerating IPs for network adapter '%s': %v\n", iface.Name, err.Error())
				continue
			}
			ifacesNew[iface.Name] = addressesNew

			// was the interface added?
			addressesExist, ok := ifacesExist[iface.Name]
			if !ok {
				networkStart(iface, addressesNew)
				continue
			}

			// new IPs added for this interface?
			for _, addr := range addressesNew {
				exists := false
				for _, exist := range addressesExist {
					if exist.String() == addr.String() {
						exists = true
						break
					}
				}

				if !exists {
					networkStart(iface, []net.Addr{addr})
				}
			}

			// were IPs removed from this interface
			for _, exist := range addressesExist {
				removed := true
				for _, addr := range addressesNew {
					if exist.String() == addr.String() {
						removed = false
						break
					}
				}

				if removed {
					networkTerminateIP(exist)
				}
			}
		}

		// was an existing interface removed?
		for ifaceExist, addressesExist := range ifacesExist {
			if _, ok := ifacesNew[ifaceExist]; !ok {
				for _, addr := range addressesExist {
					networkTerminateIP(addr)
				}
			}
		}

		ifacesExist = ifacesNew
	}
}

// networkTerminateIP terminates the listener bound to the given address, if any
func networkTerminateIP(address net.Addr) {
	ipnet, ok := address.(*net.IPNet)
	if !ok {
		return
	}

	networksMutex.Lock()
	defer networksMutex.Unlock()

	terminateFromList := func(list []*Network) (listNew []*Network) {
		for _, network := range list {
			if network.address.IP.Equal(ipnet.IP) {
				network.Terminate()
				continue
			}
			listNew = append(listNew, network)
		}
		return listNew
	}

	networks4 = terminateFromList(networks4)
	networks6 = terminateFromList(networks6)
}
