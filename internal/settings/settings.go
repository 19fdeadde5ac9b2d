// Package settings is the typed key/value store backed by settings.db.
// Secret-shaped keys are encrypted on write and decrypted on read; everything
// else is stored in clear with its declared type.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valethq/valet/internal/secrets"
	"github.com/valethq/valet/internal/store"
)

// ErrNotFound reports a missing key.
var ErrNotFound = errors.New("settings: key not found")

// Store persists typed settings. Safe for concurrent use; writes serialize
// on the underlying single-connection database.
type Store struct {
	db     *sql.DB
	keeper *secrets.Keeper
}

// Open opens (creating if needed) the settings database at path.
func Open(path string, keeper *secrets.Keeper) (*Store, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, keeper: keeper}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			type       TEXT NOT NULL,
			is_secret  INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("settings: create table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

var secretMarkers = []string{"api_key", "apikey", "token", "secret", "password", "passphrase"}

// IsSecretKey classifies keys whose values must never be stored in clear.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range secretMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func (s *Store) put(ctx context.Context, key, value, typ string) error {
	isSecret := 0
	if IsSecretKey(key) {
		encrypted, err := s.keeper.Encrypt(value)
		if err != nil {
			return fmt.Errorf("settings: encrypt %s: %w", key, err)
		}
		value = encrypted
		isSecret = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, type, is_secret, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			type = excluded.type,
			is_secret = excluded.is_secret,
			updated_at = excluded.updated_at
	`, key, value, typ, isSecret, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) raw(ctx context.Context, key string) (value, typ string, isSecret bool, err error) {
	var secret int
	err = s.db.QueryRowContext(ctx,
		`SELECT value, type, is_secret FROM settings WHERE key = ?`, key,
	).Scan(&value, &typ, &secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, ErrNotFound
	}
	if err != nil {
		return "", "", false, fmt.Errorf("settings: get %s: %w", key, err)
	}
	return value, typ, secret == 1, nil
}

func (s *Store) get(ctx context.Context, key string) (string, string, error) {
	value, typ, isSecret, err := s.raw(ctx, key)
	if err != nil {
		return "", "", err
	}
	if isSecret {
		plain, err := s.keeper.Decrypt(value)
		if err != nil {
			return "", "", fmt.Errorf("settings: decrypt %s: %w", key, err)
		}
		value = plain
	}
	return value, typ, nil
}

// SetString stores a string value.
func (s *Store) SetString(ctx context.Context, key, value string) error {
	return s.put(ctx, key, value, "string")
}

// GetString returns the string at key, or fallback when absent.
func (s *Store) GetString(ctx context.Context, key, fallback string) (string, error) {
	value, _, err := s.get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetInt stores an integer value.
func (s *Store) SetInt(ctx context.Context, key string, value int64) error {
	return s.put(ctx, key, strconv.FormatInt(value, 10), "int")
}

// GetInt returns the integer at key, or fallback when absent.
func (s *Store) GetInt(ctx context.Context, key string, fallback int64) (int64, error) {
	value, _, err := s.get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("settings: %s is not an int: %w", key, err)
	}
	return n, nil
}

// SetFloat stores a float value.
func (s *Store) SetFloat(ctx context.Context, key string, value float64) error {
	return s.put(ctx, key, strconv.FormatFloat(value, 'g', -1, 64), "float")
}

// GetFloat returns the float at key, or fallback when absent.
func (s *Store) GetFloat(ctx context.Context, key string, fallback float64) (float64, error) {
	value, _, err := s.get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("settings: %s is not a float: %w", key, err)
	}
	return f, nil
}

// SetBool stores a boolean value.
func (s *Store) SetBool(ctx context.Context, key string, value bool) error {
	return s.put(ctx, key, strconv.FormatBool(value), "bool")
}

// GetBool returns the bool at key, or fallback when absent.
func (s *Store) GetBool(ctx context.Context, key string, fallback bool) (bool, error) {
	value, _, err := s.get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("settings: %s is not a bool: %w", key, err)
	}
	return b, nil
}

// SetJSON stores value marshaled as JSON.
func (s *Store) SetJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings: marshal %s: %w", key, err)
	}
	return s.put(ctx, key, string(data), "json")
}

// GetJSON unmarshals the value at key into out. Returns ErrNotFound when
// absent.
func (s *Store) GetJSON(ctx context.Context, key string, out any) error {
	value, _, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return fmt.Errorf("settings: unmarshal %s: %w", key, err)
	}
	return nil
}

// SetSecret stores value encrypted regardless of the key's shape.
func (s *Store) SetSecret(ctx context.Context, key, value string) error {
	encrypted, err := s.keeper.Encrypt(value)
	if err != nil {
		return fmt.Errorf("settings: encrypt %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, type, is_secret, updated_at)
		VALUES (?, ?, 'string', 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			is_secret = 1,
			updated_at = excluded.updated_at
	`, key, encrypted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("settings: set secret %s: %w", key, err)
	}
	return nil
}

// GetSecret returns the decrypted secret at key. The returned value is
// guaranteed not to be an envelope; handing an envelope to a backend adapter
// is a startup-class bug that VerifySecrets exists to catch.
func (s *Store) GetSecret(ctx context.Context, key string) (string, error) {
	value, _, _, err := s.raw(ctx, key)
	if err != nil {
		return "", err
	}
	plain, err := s.keeper.Decrypt(value)
	if err != nil {
		return "", fmt.Errorf("settings: decrypt %s: %w", key, err)
	}
	if secrets.IsEnvelope(plain) {
		return "", fmt.Errorf("settings: %s decrypted to an envelope", key)
	}
	return plain, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("settings: delete %s: %w", key, err)
	}
	return nil
}

// Keys lists all setting keys.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("settings: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("settings: scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// VerifySecrets checks at startup that every secret row decrypts to a
// non-empty, non-envelope value. It returns one error naming all failures.
func (s *Store) VerifySecrets(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE is_secret = 1`)
	if err != nil {
		return fmt.Errorf("settings: verify: %w", err)
	}
	defer rows.Close()

	var bad []string
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("settings: verify scan: %w", err)
		}
		plain, err := s.keeper.Decrypt(value)
		if err != nil || plain == "" || secrets.IsEnvelope(plain) {
			bad = append(bad, key)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(bad) > 0 {
		return fmt.Errorf("settings: secrets failed verification: %s", strings.Join(bad, ", "))
	}
	return nil
}

// AllowedModels is the fixed model allow-list per provider. The local
// backend accepts any installed model, so it has no list here.
var AllowedModels = map[string][]string{
	"anthropic": {
		"claude-sonnet-4-20250514",
		"claude-opus-4-20250514",
		"claude-3-5-sonnet-20241022",
		"claude-3-opus-20240229",
		"claude-3-haiku-20240307",
	},
	"openai": {
		"gpt-4o",
		"gpt-4-turbo",
		"gpt-4",
		"gpt-3.5-turbo",
	},
}

// ValidateModel rejects model names outside the provider's allow-list.
// Providers without a list (the local backend) accept any non-empty name.
func ValidateModel(provider, model string) error {
	if model == "" {
		return fmt.Errorf("settings: empty model for %s", provider)
	}
	allowed, ok := AllowedModels[provider]
	if !ok {
		return nil
	}
	for _, candidate := range allowed {
		if candidate == model {
			return nil
		}
	}
	return fmt.Errorf("settings: model %q not allowed for %s", model, provider)
}

// SetModel validates and stores the model selection for provider.
func (s *Store) SetModel(ctx context.Context, provider, model string) error {
	if err := ValidateModel(provider, model); err != nil {
		return err
	}
	return s.SetString(ctx, "model."+provider, model)
}

// GetModel returns the stored model for provider, or fallback.
func (s *Store) GetModel(ctx context.Context, provider, fallback string) (string, error) {
	return s.GetString(ctx, "model."+provider, fallback)
}
