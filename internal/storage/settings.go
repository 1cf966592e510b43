package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/thereceipts/receipts/internal/model"
)

// Setting keys in the app_settings table.
const (
	SettingScheduler   = "scheduler"
	SettingAutosuggest = "autosuggest"
)

// GetSchedulerSettings loads the scheduler configuration. Returns
// ErrNotFound when no settings have been saved yet; callers fall back
// to the config defaults.
func (db *DB) GetSchedulerSettings(ctx context.Context) (model.SchedulerSettings, error) {
	var s model.SchedulerSettings
	if err := db.getSetting(ctx, SettingScheduler, &s); err != nil {
		return model.SchedulerSettings{}, err
	}
	return s, nil
}

// SaveSchedulerSettings persists the scheduler configuration.
func (db *DB) SaveSchedulerSettings(ctx context.Context, s model.SchedulerSettings) error {
	return db.saveSetting(ctx, SettingScheduler, s)
}

// GetAutosuggestSettings loads the topic auto-suggest configuration.
func (db *DB) GetAutosuggestSettings(ctx context.Context) (model.AutosuggestSettings, error) {
	var s model.AutosuggestSettings
	if err := db.getSetting(ctx, SettingAutosuggest, &s); err != nil {
		return model.AutosuggestSettings{}, err
	}
	return s, nil
}

// SaveAutosuggestSettings persists the topic auto-suggest configuration.
func (db *DB) SaveAutosuggestSettings(ctx context.Context, s model.AutosuggestSettings) error {
	return db.saveSetting(ctx, SettingAutosuggest, s)
}

func (db *DB) getSetting(ctx context.Context, key string, dest any) error {
	var raw []byte
	err := db.pool.QueryRow(ctx, `SELECT value FROM app_settings WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: setting %q: %w", key, ErrNotFound)
		}
		return fmt.Errorf("storage: get setting %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("storage: decode setting %q: %w", key, err)
	}
	return nil
}

func (db *DB) saveSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode setting %q: %w", key, err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO app_settings (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, raw,
	)
	if err != nil {
		return fmt.Errorf("storage: save setting %q: %w", key, err)
	}
	return nil
}
