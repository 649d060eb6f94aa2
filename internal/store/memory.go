package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the value size above which memory entries are
// zstd-compressed before storage. Meeting transcripts compress well;
// small keys are not worth the frame overhead.
const compressThreshold = 1024

// Memory is a namespaced key/value surface backed by the store. Reads
// report presence, not errors; failures are logged and read as absent.
type Memory interface {
	Read(namespace, key string) ([]byte, bool)
	Write(namespace, key string, value []byte) error
}

// Sealer encrypts memory values at rest. Satisfied by *vault.Vault.
type Sealer interface {
	Seal(plaintext []byte) (ciphertext, nonce []byte, err error)
	Open(ciphertext, nonce []byte) ([]byte, error)
}

// MemoryStore implements Memory on the sqlite store, compressing large
// values and sealing everything when a Sealer is configured.
type MemoryStore struct {
	store  *Store
	sealer Sealer // nil disables sealing
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

func NewMemory(s *Store, sealer Sealer) (*MemoryStore, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &MemoryStore{store: s, sealer: sealer, enc: enc, dec: dec}, nil
}

func (m *MemoryStore) Write(namespace, key string, value []byte) error {
	compressed := 0
	if len(value) > compressThreshold {
		value = m.enc.EncodeAll(value, nil)
		compressed = 1
	}

	var nonce []byte
	if m.sealer != nil {
		sealed, n, err := m.sealer.Seal(value)
		if err != nil {
			return fmt.Errorf("seal memory value: %w", err)
		}
		value, nonce = sealed, n
	}

	_, err := m.store.db.Exec(`
		INSERT INTO memory (namespace, key, value, compressed, nonce)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			compressed = excluded.compressed,
			nonce = excluded.nonce,
			updated_at = CURRENT_TIMESTAMP`,
		namespace, key, value, compressed, nonce)
	if err != nil {
		return fmt.Errorf("write memory %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (m *MemoryStore) Read(namespace, key string) ([]byte, bool) {
	row := m.store.db.QueryRow(`
		SELECT value, compressed, nonce FROM memory
		WHERE namespace = ? AND key = ?`, namespace, key)

	var value, nonce []byte
	var compressed int
	if err := row.Scan(&value, &compressed, &nonce); err != nil {
		if err != sql.ErrNoRows {
			slog.Error("memory read failed", "namespace", namespace, "key", key, "error", err)
		}
		return nil, false
	}

	if m.sealer != nil && len(nonce) > 0 {
		opened, err := m.sealer.Open(value, nonce)
		if err != nil {
			slog.Error("memory unseal failed", "namespace", namespace, "key", key, "error", err)
			return nil, false
		}
		value = opened
	}

	if compressed == 1 {
		decoded, err := m.dec.DecodeAll(value, nil)
		if err != nil {
			slog.Error("memory decompress failed", "namespace", namespace, "key", key, "error", err)
			return nil, false
		}
		value = decoded
	}
	return value, true
}

// Keys lists the keys stored under a namespace.
func (m *MemoryStore) Keys(namespace string) ([]string, error) {
	rows, err := m.store.db.Query(`
		SELECT key FROM memory WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list memory keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan memory key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (m *MemoryStore) Delete(namespace, key string) error {
	_, err := m.store.db.Exec(`DELETE FROM memory WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete memory %s/%s: %w", namespace, key, err)
	}
	return nil
}
