// Package credentials holds the secrets baked into the firmware image.
// Create ssid.text, password.text and console_password.text in this
// directory before building; they must not be committed.
package credentials

import (
	_ "embed"
	"strings"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
	//go:embed console_password.text
	consolePass string
)

// SSID returns the Wi-Fi network name from ssid.text.
func SSID() string {
	return strings.TrimSpace(ssid)
}

// Password returns the Wi-Fi passphrase from password.text.
func Password() string {
	return strings.TrimSpace(pass)
}

// ConsolePassword returns the telnet console password from
// console_password.text. An empty password disables the telnet console.
func ConsolePassword() string {
	return strings.TrimSpace(consolePass)
}
