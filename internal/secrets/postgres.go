package secrets

import (
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresProvider stores key material in a Postgres table, for
// deployments that don't have a dedicated KMS. Grounded on the teacher's
// postgres-agent example: database/sql with the lib/pq driver, no ORM.
//
//	CREATE TABLE mediator_secrets (
//	    key_id   TEXT PRIMARY KEY,
//	    key_type SMALLINT NOT NULL, -- 0=Ed25519, 1=X25519
//	    priv_key BYTEA NOT NULL,
//	    pub_key  BYTEA NOT NULL
//	);
type PostgresProvider struct {
	db *sql.DB
}

// NewPostgresProvider wraps an already-opened *sql.DB.
func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

func (p *PostgresProvider) FindSecret(keyID string) (*Secret, error) {
	var keyType int
	var priv, pub []byte

	row := p.db.QueryRow(
		`SELECT key_type, priv_key, pub_key FROM mediator_secrets WHERE key_id = $1`, keyID)
	if err := row.Scan(&keyType, &priv, &pub); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrTransientBackend, err)
	}

	switch KeyType(keyType) {
	case KeyTypeEd25519:
		return NewEd25519Secret(keyID, ed25519.PrivateKey(priv)), nil
	case KeyTypeX25519:
		return NewX25519Secret(keyID, priv, pub), nil
	default:
		return nil, fmt.Errorf("secrets: unknown key_type %d for %s", keyType, keyID)
	}
}

func (p *PostgresProvider) FindSecrets(keyIDs []string) ([]string, error) {
	if len(keyIDs) == 0 {
		return nil, nil
	}

	rows, err := p.db.Query(
		`SELECT key_id FROM mediator_secrets WHERE key_id = ANY($1)`, pq.Array(keyIDs))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientBackend, err)
	}
	defer rows.Close()

	held := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransientBackend, err)
		}
		held[id] = true
	}

	var out []string
	for _, id := range keyIDs {
		if held[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// Put upserts a secret into the backing table, used by provisioning
// tooling and tests.
func (p *PostgresProvider) Put(s *Secret) error {
	_, err := p.db.Exec(
		`INSERT INTO mediator_secrets (key_id, key_type, priv_key, pub_key)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key_id) DO UPDATE SET key_type = $2, priv_key = $3, pub_key = $4`,
		s.keyID, int(s.keyType), s.priv, s.pub)
	return err
}
