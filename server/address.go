package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// FirstPort is the start of the dynamic/private port range.
const FirstPort = 49152

var ErrNoPort = errors.New("server: no available port")

// FindAvailablePort returns the first TCP port from first upward that can
// be bound on all interfaces. Only address-in-use errors move on to the
// next port.
func FindAvailablePort(first int) (int, error) {
	if first <= 0 {
		first = FirstPort
	}
	for port := first; port < 65535; port++ {
		ln, err := net.Listen("tcp4", ":"+strconv.Itoa(port))
		if err == nil {
			ln.Close()
			return port, nil
		}
		if !isAddrInUse(err) {
			return 0, fmt.Errorf("server: bind %d: %w", port, err)
		}
	}
	return 0, ErrNoPort
}

// LocalURL is the loopback URL of a host listening on port.
func LocalURL(scheme string, port int) string {
	return fmt.Sprintf("%s://127.0.0.1:%d", scheme, port)
}

// PublicURL is the URL other machines on the LAN reach the host at. The
// outbound interface is found by connecting a UDP socket, which sends no
// packets.
func PublicURL(scheme string, port int) (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return "", fmt.Errorf("server: find public address: %w", err)
	}
	defer conn.Close()
	ip := conn.LocalAddr().(*net.UDPAddr).IP
	return fmt.Sprintf("%s://%s:%d", scheme, ip, port), nil
}
