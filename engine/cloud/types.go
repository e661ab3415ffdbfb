// Package cloud speaks the cloud backend's gateway wire contract:
// token verification and tenant config pulls.
package cloud

// TenantRecord is one tenant row from the cloud backend. Record fields
// are snake_case on the wire.
type TenantRecord struct {
	UserID         string         `json:"user_id"`
	GatewayToken   string         `json:"gateway_token"`
	OpenclawConfig map[string]any `json:"openclaw_config"`
	Status         string         `json:"status"`
	LLMAPIKey      string         `json:"llm_api_key,omitempty"`
	UpdatedAt      string         `json:"updated_at,omitempty"`
}

// ConfigsPage is one page of the GET /gateway/configs response. The
// page envelope keys are camelCase; the records inside stay snake_case.
type ConfigsPage struct {
	Users         []TenantRecord `json:"users"`
	SyncTimestamp string         `json:"syncTimestamp"`
	HasMore       bool           `json:"hasMore"`
	NextCursor    string         `json:"nextCursor,omitempty"`
}

// VerifyResult is the data object of a successful verify-token call.
type VerifyResult struct {
	UserID         string         `json:"user_id"`
	Status         string         `json:"status"`
	OpenclawConfig map[string]any `json:"openclaw_config"`
}

type verifyEnvelope struct {
	Data VerifyResult `json:"data"`
}
