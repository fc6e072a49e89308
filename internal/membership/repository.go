package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGRepository reads guild membership from PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed membership repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// GuildsForUser returns the IDs of every guild the user is a member of.
func (r *PGRepository) GuildsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		`SELECT guild_id FROM guild_members WHERE user_id = $1 ORDER BY joined_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query guilds for user: %w", err)
	}
	defer rows.Close()

	var guilds []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan guild id: %w", err)
		}
		guilds = append(guilds, id)
	}
	return guilds, rows.Err()
}

// UserInGuild reports whether the user is a member of the guild.
func (r *PGRepository) UserInGuild(ctx context.Context, userID, guildID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM guild_members WHERE user_id = $1 AND guild_id = $2)`,
		userID, guildID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check guild membership: %w", err)
	}
	return exists, nil
}

// Guild returns the guild with its current member count.
func (r *PGRepository) Guild(ctx context.Context, guildID uuid.UUID) (*Guild, error) {
	var g Guild
	err := r.db.QueryRow(ctx,
		`SELECT g.id, g.name, g.icon, g.owner_id,
		        (SELECT COUNT(*) FROM guild_members m WHERE m.guild_id = g.id)
		 FROM guilds g WHERE g.id = $1`,
		guildID,
	).Scan(&g.ID, &g.Name, &g.Icon, &g.OwnerID, &g.MemberCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query guild: %w", err)
	}
	return &g, nil
}
