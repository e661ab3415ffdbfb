package config

import "encoding/json"

// SensitiveString holds a secret that must never appear in logs or in
// serialized output. Use Value to read the raw secret.
type SensitiveString string

const redactedPlaceholder = "[REDACTED]"

// String returns a redacted placeholder for non-empty values so that
// fmt-based logging cannot leak the secret.
func (s SensitiveString) String() string {
	if s == "" {
		return ""
	}
	return redactedPlaceholder
}

// Value returns the actual secret.
func (s SensitiveString) Value() string {
	return string(s)
}

// MarshalJSON serializes the redacted form, never the secret itself.
func (s SensitiveString) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON reads the raw string value into the secret.
func (s *SensitiveString) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = SensitiveString(raw)
	return nil
}
