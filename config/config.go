package config

import (
	_ "embed"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Defaults for the update target and device behaviour.
// The target can be overridden by placing a non-empty value in the
// corresponding .text file.
const (
	DefaultOTAServer = "192.168.7.5:80"
	DefaultOTAPath   = "/file.bin"

	// FlashAddr is where downloaded images are written.
	FlashAddr = 0x100000

	NetworkTimeout    = 10 * time.Second
	CRCLength         = 256 * 1024
	WifiRetryInterval = 2 * time.Second

	// MQTTPollInterval is how often the broker is asked whether an update
	// is wanted.
	MQTTPollInterval = 5 * time.Minute
)

// Environment-specific configuration (must be provided via embedded text files).
var (
	//go:embed broker.text
	brokerAddr string

	//go:embed clientid.text
	clientID string
)

// Optional overrides for defaults (empty file = use default).
var (
	//go:embed ota_server.text
	otaServerOverride string

	//go:embed ota_path.text
	otaPathOverride string
)

// BrokerAddr returns the MQTT broker address from broker.text file.
// Format: "host:port" e.g., "192.168.1.100:1883"
func BrokerAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(brokerAddr)
	return netip.ParseAddrPort(addr)
}

// ClientID returns the MQTT client ID from clientid.text file.
func ClientID() string {
	return strings.TrimSpace(clientID)
}

// OTATarget returns the host and port serving firmware images.
// Returns DefaultOTAServer unless overridden via ota_server.text, which
// holds "host" or "host:port".
func OTATarget() (host string, port uint16) {
	return splitTarget(otaServerOverride)
}

func splitTarget(override string) (string, uint16) {
	s := strings.TrimSpace(override)
	if s == "" {
		s = DefaultOTAServer
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return s, 80
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return host, 80
	}
	return host, uint16(port)
}

// OTAPath returns the image path requested from the OTA server.
// Returns DefaultOTAPath unless overridden via ota_path.text.
func OTAPath() string {
	return pathOr(otaPathOverride)
}

func pathOr(override string) string {
	p := strings.TrimSpace(override)
	if p == "" {
		return DefaultOTAPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// UpdateTopic is the MQTT topic the device polls for update requests.
func UpdateTopic() string {
	return "ota/" + ClientID() + "/request"
}
