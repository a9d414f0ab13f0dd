package entities

import (
	"errors"
	"time"
)

// AccessToken represents a gateway access token issued by the credential service
type AccessToken struct {
	ID        string    `json:"id" bson:"token_id"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// IsExpired checks if the token expires within margin of now
func (t *AccessToken) IsExpired(now time.Time, margin time.Duration) bool {
	if t == nil || t.ID == "" {
		return true
	}
	return !now.Add(margin).Before(t.ExpiresAt)
}

// Validate validates the token data
func (t *AccessToken) Validate() error {
	if t.ID == "" {
		return errors.New("token id is required")
	}
	if t.ExpiresAt.IsZero() {
		return errors.New("token expiration is required")
	}
	return nil
}
