package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"arbsync/model"
)

// Pool abstracts pgxpool.Pool for testability.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps the cache in Postgres (see schema.sql). Record merges run
// in a transaction holding the row lock.
type PGStore struct {
	pool Pool
}

func NewPGStore(pool Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) GetUserProfile(ctx context.Context, account common.Address) (model.Profile, error) {
	p := model.Profile{Account: account}
	err := s.pool.QueryRow(ctx, `SELECT email FROM profiles WHERE account = $1`, account.Hex()).Scan(&p.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Profile{}, fmt.Errorf("%w: profile %s", ErrNotFound, account.Hex())
		}
		return model.Profile{}, pgError("get profile", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT record FROM dispute_records WHERE account = $1 ORDER BY arbitrator, dispute_id`, account.Hex())
	if err != nil {
		return model.Profile{}, pgError("list disputes", err)
	}
	disputes, err := pgx.CollectRows(rows, scanJSON[model.DisputeRecord])
	if err != nil {
		return model.Profile{}, pgError("scan disputes", err)
	}
	p.Disputes = disputes

	rows, err = s.pool.Query(ctx, `SELECT record FROM contract_records WHERE account = $1 ORDER BY address`, account.Hex())
	if err != nil {
		return model.Profile{}, pgError("list contracts", err)
	}
	contracts, err := pgx.CollectRows(rows, scanJSON[model.ContractRecord])
	if err != nil {
		return model.Profile{}, pgError("scan contracts", err)
	}
	p.Contracts = contracts
	return p, nil
}

func (s *PGStore) GetDisputeRecord(ctx context.Context, arbitrator common.Address, disputeID uint64, account common.Address) (model.DisputeRecord, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT record FROM dispute_records
		WHERE account = $1 AND arbitrator = $2 AND dispute_id = $3
	`, account.Hex(), arbitrator.Hex(), int64(disputeID)).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DisputeRecord{}, fmt.Errorf("%w: dispute %s/%d", ErrNotFound, arbitrator.Hex(), disputeID)
		}
		return model.DisputeRecord{}, pgError("get dispute", err)
	}
	var rec model.DisputeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.DisputeRecord{}, fmt.Errorf("cache: decode dispute: %w", err)
	}
	return rec, nil
}

func (s *PGStore) UpdateDisputeRecord(ctx context.Context, arbitrator common.Address, disputeID uint64, account common.Address, u model.DisputeUpdate) (model.DisputeRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.DisputeRecord{}, pgError("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureProfile(ctx, tx, account); err != nil {
		return model.DisputeRecord{}, err
	}

	empty, err := json.Marshal(model.NewDisputeRecord(arbitrator, disputeID))
	if err != nil {
		return model.DisputeRecord{}, fmt.Errorf("cache: encode dispute: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO dispute_records (account, arbitrator, dispute_id, record)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, account.Hex(), arbitrator.Hex(), int64(disputeID), empty); err != nil {
		return model.DisputeRecord{}, pgError("insert dispute", err)
	}

	var raw []byte
	if err := tx.QueryRow(ctx, `
		SELECT record FROM dispute_records
		WHERE account = $1 AND arbitrator = $2 AND dispute_id = $3
		FOR UPDATE
	`, account.Hex(), arbitrator.Hex(), int64(disputeID)).Scan(&raw); err != nil {
		return model.DisputeRecord{}, pgError("lock dispute", err)
	}
	var rec model.DisputeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.DisputeRecord{}, fmt.Errorf("cache: decode dispute: %w", err)
	}
	if err := rec.Apply(u); err != nil {
		return model.DisputeRecord{}, fmt.Errorf("cache: update dispute %s/%d: %w", arbitrator.Hex(), disputeID, err)
	}
	merged, err := json.Marshal(rec)
	if err != nil {
		return model.DisputeRecord{}, fmt.Errorf("cache: encode dispute: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE dispute_records SET record = $4, updated_at = now()
		WHERE account = $1 AND arbitrator = $2 AND dispute_id = $3
	`, account.Hex(), arbitrator.Hex(), int64(disputeID), merged); err != nil {
		return model.DisputeRecord{}, pgError("update dispute", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.DisputeRecord{}, pgError("commit", err)
	}
	return rec, nil
}

func (s *PGStore) UpdateContractRecord(ctx context.Context, account common.Address, c model.ContractRecord) (model.ContractRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.ContractRecord{}, pgError("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureProfile(ctx, tx, account); err != nil {
		return model.ContractRecord{}, err
	}

	p := model.Profile{Account: account}
	var raw []byte
	err = tx.QueryRow(ctx, `
		SELECT record FROM contract_records WHERE account = $1 AND address = $2 FOR UPDATE
	`, account.Hex(), c.Address.Hex()).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return model.ContractRecord{}, pgError("lock contract", err)
	default:
		var have model.ContractRecord
		if err := json.Unmarshal(raw, &have); err != nil {
			return model.ContractRecord{}, fmt.Errorf("cache: decode contract: %w", err)
		}
		p.Contracts = append(p.Contracts, have)
	}

	rec := p.PutContract(c)
	merged, err := json.Marshal(rec)
	if err != nil {
		return model.ContractRecord{}, fmt.Errorf("cache: encode contract: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO contract_records (account, address, record) VALUES ($1, $2, $3)
		ON CONFLICT (account, address) DO UPDATE SET record = EXCLUDED.record, updated_at = now()
	`, account.Hex(), c.Address.Hex(), merged); err != nil {
		return model.ContractRecord{}, pgError("upsert contract", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.ContractRecord{}, pgError("commit", err)
	}
	return rec, nil
}

func ensureProfile(ctx context.Context, tx pgx.Tx, account common.Address) error {
	if _, err := tx.Exec(ctx, `INSERT INTO profiles (account) VALUES ($1) ON CONFLICT DO NOTHING`, account.Hex()); err != nil {
		return pgError("ensure profile", err)
	}
	return nil
}

func (s *PGStore) NewNotification(ctx context.Context, n model.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("cache: encode payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (account, tx_hash, log_index, subject, block_number, type, message, payload, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, n.Account.Hex(), n.Key.TxHash.Hex(), int64(n.Key.LogIndex), n.Key.Subject, int64(n.BlockNumber),
		string(n.Type), n.Message, payload, n.Read, n.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateNotification
		}
		return pgError("insert notification", err)
	}
	return nil
}

func (s *PGStore) MarkNotificationRead(ctx context.Context, account common.Address, key model.NotificationKey) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE account = $1 AND tx_hash = $2 AND log_index = $3 AND subject = $4
	`, account.Hex(), key.TxHash.Hex(), int64(key.LogIndex), key.Subject)
	if err != nil {
		return pgError("mark read", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: notification %s:%d", ErrNotFound, key.TxHash.Hex(), key.LogIndex)
	}
	return nil
}

func (s *PGStore) GetNotifications(ctx context.Context, account common.Address, unreadOnly bool) ([]model.Notification, error) {
	query := `
		SELECT tx_hash, log_index, subject, block_number, type, message, payload, read, created_at
		FROM notifications
		WHERE account = $1
	`
	if unreadOnly {
		query += " AND NOT read"
	}
	query += " ORDER BY block_number, log_index, subject"

	rows, err := s.pool.Query(ctx, query, account.Hex())
	if err != nil {
		return nil, pgError("list notifications", err)
	}
	defer rows.Close()

	out := make([]model.Notification, 0, 8)
	for rows.Next() {
		var (
			n        = model.Notification{Account: account}
			txHash   string
			logIndex int64
			block    int64
			typ      string
			payload  []byte
		)
		if err := rows.Scan(&txHash, &logIndex, &n.Key.Subject, &block, &typ, &n.Message, &payload, &n.Read, &n.CreatedAt); err != nil {
			return nil, pgError("scan notification", err)
		}
		n.Key.TxHash = common.HexToHash(txHash)
		n.Key.LogIndex = uint(logIndex)
		n.BlockNumber = uint64(block)
		n.Type = model.NotificationType(typ)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.Payload); err != nil {
				return nil, fmt.Errorf("cache: decode payload: %w", err)
			}
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("iterate notifications", err)
	}
	return out, nil
}

func (s *PGStore) GetWatermark(ctx context.Context, consumer string) (uint64, bool, error) {
	var block int64
	err := s.pool.QueryRow(ctx, `SELECT block FROM watermarks WHERE consumer = $1`, consumer).Scan(&block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, pgError("get watermark", err)
	}
	return uint64(block), true, nil
}

func (s *PGStore) SetWatermark(ctx context.Context, consumer string, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watermarks (consumer, block) VALUES ($1, $2)
		ON CONFLICT (consumer) DO UPDATE
		SET block = GREATEST(watermarks.block, EXCLUDED.block), updated_at = now()
	`, consumer, int64(block))
	if err != nil {
		return pgError("set watermark", err)
	}
	return nil
}

func scanJSON[T any](row pgx.CollectableRow) (T, error) {
	var (
		raw []byte
		out T
	)
	if err := row.Scan(&raw); err != nil {
		return out, err
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}

// pgError marks connection-level failures as transient.
func pgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// connection exceptions and operator intervention (terminated backend)
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P") {
			return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
		}
		return fmt.Errorf("cache: %s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

var _ Store = (*PGStore)(nil)
