package entities

import (
	"time"

	"github.com/google/uuid"
)

// User is the local projection of an identity provider account.
type User struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	ExternalID    string    `json:"external_id" gorm:"uniqueIndex;not null"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	Enabled       bool      `json:"enabled"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
