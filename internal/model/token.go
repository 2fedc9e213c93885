package model

import "time"

// RefreshFamily is the lineage shared by a chain of refresh-token
// generations. Presenting an already-used generation is treated as
// compromise and terminates the whole family.
type RefreshFamily struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principalId"`
	SessionID   string     `json:"sessionId"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// IsExpired checks if the family lifetime has elapsed
func (f *RefreshFamily) IsExpired() bool {
	return time.Now().After(f.ExpiresAt)
}

// IsRevoked checks if the family has been revoked
func (f *RefreshFamily) IsRevoked() bool {
	return f.RevokedAt != nil
}

// RefreshGeneration is a single link in a family's chain. At most one
// generation per family is unused at any time; UsedAt is set by the
// claim-and-advance update that mints its successor.
type RefreshGeneration struct {
	ID          string     `json:"id"`
	FamilyID    string     `json:"familyId"`
	TokenHash   string     `json:"-"`
	UsedAt      *time.Time `json:"usedAt,omitempty"`
	SuccessorID *string    `json:"successorId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// IsUsed checks if this generation has already been consumed
func (g *RefreshGeneration) IsUsed() bool {
	return g.UsedAt != nil
}

// TokenPair is what a successful sign-in or refresh hands back to the client
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int    `json:"expiresIn"`
}
