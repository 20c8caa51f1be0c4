package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"InvoiceChainSync/internal/models"
)

// Scope identifies one synchronized (account, contract) pair.
type Scope struct {
	Account  common.Address
	Contract common.Address
}

func (s Scope) cursorKey() string {
	return "cursor:" + lower(s.Contract) + ":" + lower(s.Account)
}

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// InsertPayment persists rec once; replays of the same (tx, logIndex) are
// ignored. It reports whether a row was written.
func (s *Store) InsertPayment(ctx context.Context, scope Scope, rec models.PaymentRecord) (bool, error) {
	var txHash string
	if rec.HasTxHash() {
		txHash = rec.TxHash.Hex()
	}
	var blockTime *time.Time
	if !rec.BlockTime.IsZero() {
		bt := rec.BlockTime
		blockTime = &bt
	}
	amount := new(big.Int)
	if rec.Amount != nil {
		amount.Set(rec.Amount)
	}
	res, err := s.Pool.Exec(ctx, `
		INSERT INTO payments (
			account, contract, tx_hash, log_index, invoice_id, kind,
			counterparty, amount_wei, block_number, block_time, source, observed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT DO NOTHING
	`,
		lower(scope.Account),
		lower(scope.Contract),
		txHash,
		rec.LogIndex,
		pgtype.Numeric{Int: new(big.Int).SetUint64(rec.InvoiceID), Valid: true},
		string(rec.Kind),
		lower(rec.Counterparty),
		pgtype.Numeric{Int: amount, Valid: true},
		int64(rec.BlockNumber),
		blockTime,
		string(rec.Source),
		rec.ObservedAt,
	)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// ListPayments returns the persisted records of scope in block order.
func (s *Store) ListPayments(ctx context.Context, scope Scope) ([]models.PaymentRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT tx_hash, log_index, invoice_id::text, kind, counterparty,
			amount_wei::text, block_number, block_time, source, observed_at
		FROM payments
		WHERE account=$1 AND contract=$2
		ORDER BY block_number, log_index, id
	`, lower(scope.Account), lower(scope.Contract))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PaymentRecord
	for rows.Next() {
		var (
			rec          models.PaymentRecord
			txHash       string
			invoiceID    string
			kind         string
			counterparty string
			amount       string
			blockNumber  int64
			blockTime    sql.NullTime
			source       string
		)
		if err := rows.Scan(
			&txHash,
			&rec.LogIndex,
			&invoiceID,
			&kind,
			&counterparty,
			&amount,
			&blockNumber,
			&blockTime,
			&source,
			&rec.ObservedAt,
		); err != nil {
			return nil, err
		}
		if txHash != "" {
			rec.TxHash = common.HexToHash(txHash)
		}
		rec.InvoiceID, err = strconv.ParseUint(invoiceID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invoice_id %q: %w", invoiceID, err)
		}
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("amount_wei %q is not an integer", amount)
		}
		rec.Amount = v
		rec.Kind = models.EventKind(kind)
		rec.Counterparty = common.HexToAddress(counterparty)
		rec.BlockNumber = uint64(blockNumber)
		if blockTime.Valid {
			rec.BlockTime = blockTime.Time.UTC()
		}
		rec.Source = models.Source(source)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetCursor returns the last reconciled block of scope; ok is false when
// nothing has been persisted yet.
func (s *Store) GetCursor(ctx context.Context, scope Scope) (uint64, bool, error) {
	row := s.Pool.QueryRow(ctx, "SELECT value FROM sync_state WHERE key=$1", scope.cursorKey())
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// SetCursor stores height unless a higher value is already persisted.
func (s *Store) SetCursor(ctx context.Context, scope Scope, height uint64) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=now()
		WHERE sync_state.value::numeric < EXCLUDED.value::numeric
	`, scope.cursorKey(), strconv.FormatUint(height, 10))
	return err
}

// ResetCursor forgets the cursor of scope; the next bootstrap starts over.
func (s *Store) ResetCursor(ctx context.Context, scope Scope) error {
	_, err := s.Pool.Exec(ctx, "DELETE FROM sync_state WHERE key=$1", scope.cursorKey())
	return err
}

func lower(a common.Address) string {
	return "0x" + common.Bytes2Hex(a.Bytes())
}
