// Package membership answers guild membership questions from PostgreSQL. Guild CRUD lives in the REST tier; the
// gateway only reads.
package membership

import (
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors for the membership package.
var (
	ErrNotFound = errors.New("guild not found")
)

// Guild holds the guild fields dispatched in GUILD_CREATE.
type Guild struct {
	ID          uuid.UUID
	Name        string
	Icon        *string
	OwnerID     uuid.UUID
	MemberCount int
}
