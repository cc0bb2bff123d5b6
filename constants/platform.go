package constants

import "strings"

// Platform identifies the listing site a property URL belongs to.
type Platform string

const (
	PlatformAirbnb      Platform = "airbnb"
	PlatformBooking     Platform = "booking"
	PlatformVrbo        Platform = "vrbo"
	PlatformExpedia     Platform = "expedia"
	PlatformTripadvisor Platform = "tripadvisor"
	PlatformGoogle      Platform = "google"
	PlatformUnknown     Platform = "unknown"
)

var supportedPlatforms = []Platform{
	PlatformAirbnb,
	PlatformBooking,
	PlatformVrbo,
	PlatformExpedia,
	PlatformTripadvisor,
	PlatformGoogle,
}

// SupportedPlatforms returns the platforms with an extraction contract.
func SupportedPlatforms() []Platform {
	out := make([]Platform, len(supportedPlatforms))
	copy(out, supportedPlatforms)
	return out
}

// ParsePlatform maps a stored or configured label to a Platform; anything unknown is PlatformUnknown.
func ParsePlatform(s string) Platform {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, sp := range supportedPlatforms {
		if sp == p {
			return p
		}
	}
	return PlatformUnknown
}

func (p Platform) IsSupported() bool {
	return ParsePlatform(string(p)) != PlatformUnknown
}

func (p Platform) String() string { return string(p) }
