// Package version carries build information injected with
// -ldflags "-X openenterprise/otaflash/version.Version=...".
package version

// Left empty unless set by the linker.
var (
	Version   string
	GitSHA    string
	BuildDate string
)

// BuildMarker identifies the image on the console and the MQTT status
// topic; bump it to confirm a flash actually took.
const BuildMarker = "otaflash-001"
