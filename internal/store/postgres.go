package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/layr8/didcomm-mediator/internal/wire"
)

// PostgresStore is the durable Store backend, grounded on the teacher's
// postgres-agent example: database/sql with the lib/pq driver, no ORM,
// transactions used explicitly where an operation must be atomic.
//
//	CREATE TABLE mediator_connections (
//	    client_did   TEXT PRIMARY KEY,
//	    mediator_did TEXT NOT NULL,
//	    routing_did  TEXT NOT NULL,
//	    auth_pubkey  TEXT NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL,
//	    updated_at   TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE mediator_keylist (
//	    recipient_did TEXT PRIMARY KEY,
//	    client_did    TEXT NOT NULL REFERENCES mediator_connections(client_did) ON UPDATE CASCADE
//	);
//	CREATE TABLE mediator_mailbox (
//	    id             TEXT PRIMARY KEY,
//	    recipient_did  TEXT NOT NULL,
//	    attached_bytea BYTEA NOT NULL,
//	    enqueued_at    TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE mediator_mailbox_dropped (
//	    recipient_did TEXT PRIMARY KEY,
//	    dropped_count BIGINT NOT NULL DEFAULT 0
//	);
type PostgresStore struct {
	db  *sql.DB
	cfg MemoryConfig
}

// NewPostgresStore wraps an already-opened *sql.DB.
func NewPostgresStore(db *sql.DB, cfg MemoryConfig) *PostgresStore {
	return &PostgresStore{db: db, cfg: cfg}
}

func (p *PostgresStore) CreateConnection(ctx context.Context, clientDID, mediatorDID, authPubKey, routingDID string) (*Connection, error) {
	now := time.Now()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO mediator_connections (client_did, mediator_did, routing_did, auth_pubkey, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		clientDID, mediatorDID, routingDID, authPubKey, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, wire.New(wire.ErrAlreadyMediated, fmt.Sprintf("client %s already has a connection", clientDID))
		}
		return nil, wire.Wrap(wire.ErrTransient, "create connection", err)
	}
	return &Connection{
		ClientDID: clientDID, MediatorDID: mediatorDID, RoutingDID: routingDID,
		AuthPubKey: authPubKey, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (p *PostgresStore) GetConnection(ctx context.Context, clientDID string) (*Connection, error) {
	var c Connection
	c.ClientDID = clientDID
	row := p.db.QueryRowContext(ctx,
		`SELECT mediator_did, routing_did, auth_pubkey, created_at, updated_at
		 FROM mediator_connections WHERE client_did = $1`, clientDID)
	if err := row.Scan(&c.MediatorDID, &c.RoutingDID, &c.AuthPubKey, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, wire.New(wire.ErrUnknownConnection, clientDID)
		}
		return nil, wire.Wrap(wire.ErrTransient, "get connection", err)
	}
	return &c, nil
}

func (p *PostgresStore) UpdateKeylist(ctx context.Context, clientDID string, updates []KeylistUpdate) ([]KeylistUpdateResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wire.Wrap(wire.ErrTransient, "begin keylist update", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM mediator_connections WHERE client_did = $1)`, clientDID).Scan(&exists); err != nil {
		return nil, wire.Wrap(wire.ErrTransient, "check connection", err)
	}
	if !exists {
		return nil, wire.New(wire.ErrUnknownConnection, clientDID)
	}

	results := make([]KeylistUpdateResult, len(updates))
	for i, u := range updates {
		switch u.Action {
		case KeylistAdd:
			var owner string
			err := tx.QueryRowContext(ctx, `SELECT client_did FROM mediator_keylist WHERE recipient_did = $1`, u.RecipientDID).Scan(&owner)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				if _, err := tx.ExecContext(ctx, `INSERT INTO mediator_keylist (recipient_did, client_did) VALUES ($1, $2)`, u.RecipientDID, clientDID); err != nil {
					return nil, wire.Wrap(wire.ErrTransient, "insert keylist entry", err)
				}
				results[i] = KeylistUpdateResult{u.RecipientDID, u.Action, KeylistSuccess}
			case err != nil:
				return nil, wire.Wrap(wire.ErrTransient, "check keylist ownership", err)
			case owner == clientDID:
				results[i] = KeylistUpdateResult{u.RecipientDID, u.Action, KeylistNoChange}
			default:
				results[i] = KeylistUpdateResult{u.RecipientDID, u.Action, KeylistClientError}
			}

		case KeylistRemove:
			res, err := tx.ExecContext(ctx, `DELETE FROM mediator_keylist WHERE recipient_did = $1 AND client_did = $2`, u.RecipientDID, clientDID)
			if err != nil {
				return nil, wire.Wrap(wire.ErrTransient, "delete keylist entry", err)
			}
			n, _ := res.RowsAffected()
			if n > 0 {
				results[i] = KeylistUpdateResult{u.RecipientDID, u.Action, KeylistSuccess}
			} else {
				results[i] = KeylistUpdateResult{u.RecipientDID, u.Action, KeylistNoChange}
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE mediator_connections SET updated_at = $1 WHERE client_did = $2`, time.Now(), clientDID); err != nil {
		return nil, wire.Wrap(wire.ErrTransient, "touch connection", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wire.Wrap(wire.ErrTransient, "commit keylist update", err)
	}
	return results, nil
}

func (p *PostgresStore) Keylist(ctx context.Context, clientDID string, cursor string, limit int) ([]string, string, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM mediator_connections WHERE client_did = $1)`, clientDID).Scan(&exists); err != nil {
		return nil, "", wire.Wrap(wire.ErrTransient, "check connection", err)
	}
	if !exists {
		return nil, "", wire.New(wire.ErrUnknownConnection, clientDID)
	}

	rows, err := p.db.QueryContext(ctx, `SELECT recipient_did FROM mediator_keylist WHERE client_did = $1 ORDER BY recipient_did`, clientDID)
	if err != nil {
		return nil, "", wire.Wrap(wire.ErrTransient, "query keylist", err)
	}
	defer rows.Close()

	var all []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, "", wire.Wrap(wire.ErrTransient, "scan keylist", err)
		}
		all = append(all, did)
	}
	sort.Strings(all)

	start := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil || parsed < 0 {
			return nil, "", wire.New(wire.ErrMalformed, "invalid keylist-query cursor")
		}
		start = parsed
	}
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	page := all[start:end]
	nextCursor := ""
	if end < len(all) {
		nextCursor = strconv.Itoa(end)
	}
	return page, nextCursor, nil
}

func (p *PostgresStore) Enqueue(ctx context.Context, recipientDID string, blob []byte) (string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", wire.Wrap(wire.ErrTransient, "begin enqueue", err)
	}
	defer tx.Rollback()

	var owned bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM mediator_keylist WHERE recipient_did = $1)`, recipientDID).Scan(&owned); err != nil {
		return "", wire.Wrap(wire.ErrTransient, "check keylist ownership", err)
	}
	if !owned {
		return "", wire.New(wire.ErrUnknownRecipient, recipientDID)
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO mediator_mailbox (id, recipient_did, attached_bytea, enqueued_at) VALUES ($1, $2, $3, $4)`,
		id, recipientDID, blob, time.Now()); err != nil {
		return "", wire.Wrap(wire.ErrTransient, "insert mailbox item", err)
	}

	if err := p.evictLocked(ctx, tx, recipientDID); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", wire.Wrap(wire.ErrTransient, "commit enqueue", err)
	}
	return id, nil
}

// evictLocked drops the oldest mailbox rows for recipientDID until the
// soft item-count cap and hard byte cap both hold, within tx so eviction
// is atomic with the enqueue that may have triggered it.
func (p *PostgresStore) evictLocked(ctx context.Context, tx *sql.Tx, recipientDID string) error {
	if p.cfg.MailboxSoftCap <= 0 && p.cfg.MailboxHardByteCap <= 0 {
		return nil
	}

	for {
		var count int
		var totalBytes sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*), SUM(LENGTH(attached_bytea)) FROM mediator_mailbox WHERE recipient_did = $1`,
			recipientDID).Scan(&count, &totalBytes); err != nil {
			return wire.Wrap(wire.ErrTransient, "count mailbox", err)
		}

		overSoftCap := p.cfg.MailboxSoftCap > 0 && count > p.cfg.MailboxSoftCap
		overByteCap := p.cfg.MailboxHardByteCap > 0 && totalBytes.Int64 > int64(p.cfg.MailboxHardByteCap)
		if !overSoftCap && !overByteCap {
			return nil
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM mediator_mailbox WHERE id = (
				SELECT id FROM mediator_mailbox WHERE recipient_did = $1 ORDER BY enqueued_at ASC LIMIT 1
			)`, recipientDID)
		if err != nil {
			return wire.Wrap(wire.ErrTransient, "evict oldest mailbox item", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mediator_mailbox_dropped (recipient_did, dropped_count) VALUES ($1, 1)
			 ON CONFLICT (recipient_did) DO UPDATE SET dropped_count = mediator_mailbox_dropped.dropped_count + 1`,
			recipientDID); err != nil {
			return wire.Wrap(wire.ErrTransient, "increment dropped counter", err)
		}
	}
}

func (p *PostgresStore) ListMessages(ctx context.Context, recipientDID string, limit int) ([]MailboxItem, error) {
	query := `SELECT id, attached_bytea, enqueued_at FROM mediator_mailbox WHERE recipient_did = $1 ORDER BY enqueued_at ASC`
	args := []any{recipientDID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wire.Wrap(wire.ErrTransient, "list messages", err)
	}
	defer rows.Close()

	var out []MailboxItem
	for rows.Next() {
		var item MailboxItem
		item.RecipientDID = recipientDID
		if err := rows.Scan(&item.ID, &item.AttachedMessage, &item.EnqueuedAt); err != nil {
			return nil, wire.Wrap(wire.ErrTransient, "scan mailbox item", err)
		}
		out = append(out, item)
	}
	return out, nil
}

func (p *PostgresStore) AckMessages(ctx context.Context, recipientDID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM mediator_mailbox WHERE recipient_did = $1 AND id = ANY($2)`,
		recipientDID, pq.Array(ids))
	if err != nil {
		return 0, wire.Wrap(wire.ErrTransient, "ack messages", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wire.Wrap(wire.ErrTransient, "rows affected", err)
	}
	return int(n), nil
}

func (p *PostgresStore) Stats(ctx context.Context, recipientDID string) (Stats, error) {
	var count, totalBytes sql.NullInt64
	var oldest, newest sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(LENGTH(attached_bytea)), MIN(enqueued_at), MAX(enqueued_at)
		 FROM mediator_mailbox WHERE recipient_did = $1`, recipientDID).
		Scan(&count, &totalBytes, &oldest, &newest)
	if err != nil {
		return Stats{}, wire.Wrap(wire.ErrTransient, "stats", err)
	}
	if count.Int64 == 0 {
		return Stats{}, nil
	}
	return Stats{
		MessageCount:         uint64(count.Int64),
		LongestWaitedSeconds: time.Since(oldest.Time).Seconds(),
		NewestReceivedTime:   newest.Time,
		OldestReceivedTime:   oldest.Time,
		TotalBytes:           uint64(totalBytes.Int64),
	}, nil
}

func (p *PostgresStore) DroppedCount(ctx context.Context, recipientDID string) (uint64, error) {
	var n sql.NullInt64
	err := p.db.QueryRowContext(ctx, `SELECT dropped_count FROM mediator_mailbox_dropped WHERE recipient_did = $1`, recipientDID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wire.Wrap(wire.ErrTransient, "dropped count", err)
	}
	return uint64(n.Int64), nil
}

func (p *PostgresStore) Terminate(ctx context.Context, clientDID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return wire.Wrap(wire.ErrTransient, "begin terminate", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mediator_mailbox WHERE recipient_did IN (SELECT recipient_did FROM mediator_keylist WHERE client_did = $1)`,
		clientDID); err != nil {
		return wire.Wrap(wire.ErrTransient, "delete mailboxes", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mediator_keylist WHERE client_did = $1`, clientDID); err != nil {
		return wire.Wrap(wire.ErrTransient, "delete keylist", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM mediator_connections WHERE client_did = $1`, clientDID)
	if err != nil {
		return wire.Wrap(wire.ErrTransient, "delete connection", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wire.New(wire.ErrUnknownConnection, clientDID)
	}
	if err := tx.Commit(); err != nil {
		return wire.Wrap(wire.ErrTransient, "commit terminate", err)
	}
	return nil
}

func (p *PostgresStore) RotateClientDID(ctx context.Context, oldDID, newDID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return wire.Wrap(wire.ErrTransient, "begin rotation", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM mediator_connections WHERE client_did = $1)`, newDID).Scan(&exists); err != nil {
		return wire.Wrap(wire.ErrTransient, "check new did", err)
	}
	if exists {
		return wire.New(wire.ErrAlreadyMediated, newDID)
	}

	res, err := tx.ExecContext(ctx, `UPDATE mediator_connections SET client_did = $1, updated_at = $2 WHERE client_did = $3`, newDID, time.Now(), oldDID)
	if err != nil {
		return wire.Wrap(wire.ErrTransient, "rotate connection", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wire.New(wire.ErrUnknownConnection, oldDID)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE mediator_keylist SET client_did = $1 WHERE client_did = $2`, newDID, oldDID); err != nil {
		return wire.Wrap(wire.ErrTransient, "rotate keylist ownership", err)
	}
	if err := tx.Commit(); err != nil {
		return wire.Wrap(wire.ErrTransient, "commit rotation", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signal that CreateConnection lost a race against
// a concurrent insert of the same client_did.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}
