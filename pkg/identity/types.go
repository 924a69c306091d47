package identity

import (
	"strings"
	"time"
)

// AdminEvent is one entry of the provider's admin audit trail.
type AdminEvent struct {
	ID             string `json:"id"`
	OperationType  string `json:"operationType"`
	ResourceType   string `json:"resourceType"`
	ResourcePath   string `json:"resourcePath"`
	Representation string `json:"representation,omitempty"`
	Time           int64  `json:"time"`
}

func (e AdminEvent) OccurredAt() time.Time {
	return time.UnixMilli(e.Time).UTC()
}

// UserID extracts the user id from a resource path such as "users/<id>".
func (e AdminEvent) UserID() string {
	path := strings.Trim(e.ResourcePath, "/")
	prefix, rest, ok := strings.Cut(path, "/")
	if !ok || prefix != "users" {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}

type User struct {
	ID               string `json:"id"`
	Username         string `json:"username"`
	Email            string `json:"email"`
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	Enabled          bool   `json:"enabled"`
	EmailVerified    bool   `json:"emailVerified"`
	CreatedTimestamp int64  `json:"createdTimestamp"`
}

type AdminEventQuery struct {
	DateFrom       time.Time
	OperationTypes []string
	ResourceTypes  []string
	First          int
	Max            int
}
