package models

// DiscoveryResult is one machine found by a scan. Results are ephemeral;
// nothing here is persisted.
type DiscoveryResult struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	DisplayName string `json:"name"`
	Model       string `json:"model"`
}
