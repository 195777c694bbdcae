package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
)

// TicketRepository is the Postgres view of the ticket store used by the
// access guard and the send pipeline.
type TicketRepository struct {
	pool *pgxpool.Pool
}

// Ensure implementation matches the interfaces.
var (
	_ ports.TicketStore   = (*TicketRepository)(nil)
	_ ports.TicketMirror  = (*TicketRepository)(nil)
	_ ports.HealthChecker = (*TicketRepository)(nil)
)

// NewTicketRepository creates a new ticket repository.
func NewTicketRepository(pool *pgxpool.Pool) *TicketRepository {
	return &TicketRepository{pool: pool}
}

const getTicketAccess = `
SELECT id, number, requester_id, assignee_id
FROM tickets
WHERE id = $1`

// GetAccess returns the ownership and assignment of a ticket.
func (r *TicketRepository) GetAccess(ctx context.Context, ticketID domain.TicketID) (*domain.TicketAccess, error) {
	var (
		access   domain.TicketAccess
		id       string
		assignee pgtype.Text
	)
	err := GetDBTX(ctx, r.pool).QueryRow(ctx, getTicketAccess, string(ticketID)).
		Scan(&id, &access.Number, &access.RequesterID, &assignee)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrTicketNotFound
		}
		return nil, storeError("get ticket access", err)
	}
	access.ID = domain.TicketID(id)
	access.AssigneeID = fromNullText(assignee)
	return &access, nil
}

// last_activity_at never moves backwards, so concurrent sends may land in any order.
const touchTicketActivity = `
UPDATE tickets
SET last_activity_at = GREATEST(last_activity_at, $2)
WHERE id = $1`

// TouchActivity bumps the ticket's last-activity timestamp.
func (r *TicketRepository) TouchActivity(ctx context.Context, ticketID domain.TicketID, at time.Time) error {
	tag, err := GetDBTX(ctx, r.pool).Exec(ctx, touchTicketActivity, string(ticketID), at.UTC())
	if err != nil {
		return storeError("touch ticket activity", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrTicketNotFound
	}
	return nil
}

const lastTicketActivity = `SELECT last_activity_at FROM tickets WHERE id = $1`

// LastActivity returns the ticket's last-activity timestamp.
func (r *TicketRepository) LastActivity(ctx context.Context, ticketID domain.TicketID) (time.Time, error) {
	var at time.Time
	err := GetDBTX(ctx, r.pool).QueryRow(ctx, lastTicketActivity, string(ticketID)).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, apperrors.ErrTicketNotFound
		}
		return time.Time{}, storeError("get ticket activity", err)
	}
	return at.UTC(), nil
}

const upsertTicket = `
INSERT INTO tickets (id, number, requester_id, assignee_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET number = EXCLUDED.number,
    requester_id = EXCLUDED.requester_id,
    assignee_id = EXCLUDED.assignee_id`

// Upsert mirrors a ticket's ownership from the ticket system of record.
func (r *TicketRepository) Upsert(ctx context.Context, access domain.TicketAccess) error {
	_, err := GetDBTX(ctx, r.pool).Exec(ctx, upsertTicket,
		string(access.ID),
		access.Number,
		access.RequesterID,
		toNullText(access.AssigneeID),
	)
	if err != nil {
		return storeError("upsert ticket", err)
	}
	return nil
}

// Ping checks database connectivity.
func (r *TicketRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
