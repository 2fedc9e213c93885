package model

import "time"

// Fingerprint identifies the client a session was established from
type Fingerprint struct {
	IPAddress  string `json:"ipAddress"`
	UserAgent  string `json:"userAgent"`
	DeviceType string `json:"deviceType"`
}

// Session represents a live authenticated session. A principal may own any
// number of concurrent sessions; caps are a policy-layer concern.
type Session struct {
	ID           string     `json:"id"`
	PrincipalID  string     `json:"principalId"`
	IPAddress    string     `json:"ipAddress"`
	UserAgent    string     `json:"userAgent"`
	DeviceType   string     `json:"deviceType"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
}

// IsRevoked checks if the session has been revoked
func (s *Session) IsRevoked() bool {
	return s.RevokedAt != nil
}
