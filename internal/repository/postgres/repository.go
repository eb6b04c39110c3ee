package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NYCU-ST-113/payment/internal/repository"
)

// Store реализует TransactionStore используя PostgreSQL
// Compare-and-swap обеспечивается условным UPDATE (WHERE status = expected),
// поэтому корректность сохраняется и при нескольких инстансах сервиса
type Store struct {
	pool *pgxpool.Pool
}

// NewStore создаёт новый PostgreSQL store
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
	}
}

const txColumns = `id, idempotency_key, amount, currency, method, gateway,
	status, gateway_reference, attempt_count, failure_reason, created_at, updated_at`

// Create сохраняет новую транзакцию
// Уникальность id и idempotency_key обеспечивают constraints в БД
func (s *Store) Create(ctx context.Context, tx repository.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions
		   (id, idempotency_key, amount, currency, method, gateway,
		    status, gateway_reference, attempt_count, failure_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tx.ID, tx.IdempotencyKey, tx.Amount, tx.Currency, tx.Method, tx.Gateway,
		string(tx.Status), tx.GatewayReference, tx.AttemptCount, tx.FailureReason,
		time.Unix(tx.CreatedAt, 0).UTC(), time.Unix(tx.UpdatedAt, 0).UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505 = unique_violation; по имени constraint различаем id и idempotency key
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "transactions_idempotency_key_uidx" {
				return repository.ErrDuplicateKey
			}
			return repository.ErrDuplicateID
		}
		return err
	}
	return nil
}

// Get получает транзакцию по id
func (s *Store) Get(ctx context.Context, id string) (repository.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// GetByIdempotencyKey получает транзакцию по idempotency key
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (repository.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE idempotency_key = $1`, key)
	return scanTransaction(row)
}

// UpdateStatus выполняет условное обновление статуса.
// UPDATE применяется только к строке с ожидаемым статусом; если строка
// не обновилась, различаем отсутствие записи и конкурентный переход.
func (s *Store) UpdateStatus(ctx context.Context, id string, expected repository.Status, upd repository.StatusUpdate) (repository.Transaction, error) {
	attemptDelta := 0
	if upd.IncrementAttempts {
		attemptDelta = 1
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE transactions SET
		   status            = $3,
		   gateway_reference = COALESCE($4, gateway_reference),
		   failure_reason    = COALESCE($5, failure_reason),
		   attempt_count     = attempt_count + $6,
		   updated_at        = now()
		 WHERE id = $1 AND status = $2
		 RETURNING `+txColumns,
		id, string(expected), string(upd.Status),
		upd.GatewayReference, upd.FailureReason, attemptDelta)

	tx, err := scanTransaction(row)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return repository.Transaction{}, err
	}

	// Строка не обновилась: либо транзакции нет, либо статус уже сменился
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return repository.Transaction{}, getErr
	}
	return repository.Transaction{}, repository.ErrStatusConflict
}

// List возвращает все транзакции, отсортированные по времени создания
func (s *Store) List(ctx context.Context) ([]repository.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+` FROM transactions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListStale возвращает транзакции в указанных статусах, не обновлявшиеся с updatedBefore
func (s *Store) ListStale(ctx context.Context, statuses []repository.Status, updatedBefore time.Time, limit int) ([]repository.Transaction, error) {
	strStatuses := make([]string, 0, len(statuses))
	for _, st := range statuses {
		strStatuses = append(strStatuses, string(st))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+`
		 FROM transactions
		 WHERE status = ANY($1) AND updated_at < $2
		 ORDER BY updated_at, id
		 LIMIT $3`,
		strStatuses, updatedBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// scanTransaction собирает доменную модель из строки результата
func scanTransaction(row pgx.Row) (repository.Transaction, error) {
	var tx repository.Transaction
	var status string
	var createdAt, updatedAt time.Time

	err := row.Scan(&tx.ID, &tx.IdempotencyKey, &tx.Amount, &tx.Currency, &tx.Method,
		&tx.Gateway, &status, &tx.GatewayReference, &tx.AttemptCount, &tx.FailureReason,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Transaction{}, repository.ErrNotFound
		}
		return repository.Transaction{}, err
	}

	tx.Status = repository.Status(status)
	tx.CreatedAt = createdAt.Unix()
	tx.UpdatedAt = updatedAt.Unix()
	return tx, nil
}

func collectTransactions(rows pgx.Rows) ([]repository.Transaction, error) {
	out := make([]repository.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
