package common

// Provider name constants for consistent naming across the application
const (
	// ProviderSTAC is the internal identifier for the Brazil Data Cube STAC catalog
	ProviderSTAC = "bdc_stac"

	// ProviderWTSS is the internal identifier for the Brazil Data Cube WTSS service
	ProviderWTSS = "bdc_wtss"

	// DisplayNameSTAC is the human-readable name shown in logs and messages
	DisplayNameSTAC = "BDC STAC"

	// DisplayNameWTSS is the human-readable name shown in logs and messages
	DisplayNameWTSS = "BDC WTSS"
)

// Default upstream endpoints
const (
	DefaultSTACURL = "https://data.inpe.br/bdc/stac/v1"
	DefaultWTSSURL = "https://data.inpe.br/bdc/wtss/v4"
)

// DisplayName returns the human-readable name for a provider identifier
func DisplayName(provider string) string {
	switch provider {
	case ProviderSTAC:
		return DisplayNameSTAC
	case ProviderWTSS:
		return DisplayNameWTSS
	default:
		return provider
	}
}
