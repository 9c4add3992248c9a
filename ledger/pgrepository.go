package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PGRepository implements Repository backed by PostgreSQL. It is
// selected when the process is configured with a DATABASE_URL; the
// in-memory repository remains the default.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, ev PaymentEvent) error {
	const insertSQL = `
		INSERT INTO payment_events
			(id, payer, payee, amount, currency, due_date, payment_date, status, days_overdue, reporter, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(ctx, insertSQL,
		ev.ID,
		ev.Payer,
		ev.Payee,
		ev.Amount.String(),
		ev.Currency,
		ev.DueDate,
		ev.PaymentDate,
		string(ev.Status),
		ev.DaysOverdue,
		ev.Reporter,
		ev.ReportedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("ledger: insert event: %w", err)
	}

	return nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (PaymentEvent, error) {
	const selectSQL = `
		SELECT id, payer, payee, amount::text, currency, due_date, payment_date, status, days_overdue, reporter, reported_at
		FROM payment_events
		WHERE id = $1
	`

	ev, err := scanEvent(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentEvent{}, ErrEventNotFound
		}
		return PaymentEvent{}, fmt.Errorf("ledger: get event by id: %w", err)
	}

	return ev, nil
}

func (r *PGRepository) ListByAgent(ctx context.Context, agentID string, filter HistoryFilter) ([]PaymentEvent, error) {
	query := `
		SELECT id, payer, payee, amount::text, currency, due_date, payment_date, status, days_overdue, reporter, reported_at
		FROM payment_events
		WHERE `
	args := []any{agentID}

	switch filter.Role {
	case RolePayer:
		query += `payer = $1`
	case RolePayee:
		query += `payee = $1`
	default:
		query += `(payer = $1 OR payee = $1)`
	}
	if filter.Status != "" {
		query += ` AND status = $2`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY reported_at DESC, seq ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list events: %w", err)
	}
	defer rows.Close()

	var events []PaymentEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate events: %w", err)
	}

	return events, nil
}

func scanEvent(row pgx.Row) (PaymentEvent, error) {
	var (
		ev          PaymentEvent
		amount      string
		paymentDate *time.Time
		status      string
	)
	err := row.Scan(
		&ev.ID,
		&ev.Payer,
		&ev.Payee,
		&amount,
		&ev.Currency,
		&ev.DueDate,
		&paymentDate,
		&status,
		&ev.DaysOverdue,
		&ev.Reporter,
		&ev.ReportedAt,
	)
	if err != nil {
		return PaymentEvent{}, err
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}

	ev.Amount = parsed
	ev.PaymentDate = paymentDate
	ev.Status = Status(status)
	return ev, nil
}
