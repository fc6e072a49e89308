// Package user reads user identity from PostgreSQL. The gateway only needs the fields embedded in READY; account
// management lives in the REST tier.
package user

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the user package.
var (
	ErrNotFound = errors.New("user not found")
)

// User holds the core identity fields read from the database.
type User struct {
	ID        uuid.UUID
	Username  string
	Avatar    *string
	CreatedAt time.Time
}
