package heat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

const countrySchema = `
CREATE TABLE IF NOT EXISTS country_indicators (
	iso3 TEXT PRIMARY KEY,
	country_name TEXT,
	data_json TEXT,
	last_updated TIMESTAMP,
	next_update TIMESTAMP,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// countryRefreshPeriod is how long a stored country record is considered current
const countryRefreshPeriod = 30 * 24 * time.Hour

// SQLiteSource serves country composite datasets from a country_indicators table.
// Each row's data_json column holds one country record.
type SQLiteSource struct {
	db   *sql.DB
	path string
}

// OpenSQLiteSource opens (creating if needed) the indicator database at path
func OpenSQLiteSource(path string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(countrySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating country_indicators table: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite %s: %w", path, err)
	}

	log.Printf("[STORE] SQLite indicator database opened: %s", path)
	return &SQLiteSource{db: db, path: path}, nil
}

// Close releases the database handle
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

// Fetch assembles a {"countries": [...]} document from every stored row.
// Non-composite datasets and an empty table are reported as ErrNotServed.
func (s *SQLiteSource) Fetch(ctx context.Context, spec DatasetSpec) ([]byte, error) {
	if !spec.Resolved().IsComposite() {
		return nil, ErrNotServed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT data_json FROM country_indicators ORDER BY iso3`)
	if err != nil {
		return nil, fmt.Errorf("querying country_indicators: %w", err)
	}
	defer func() { _ = rows.Close() }()

	countries := make([]json.RawMessage, 0)
	for rows.Next() {
		var data sql.NullString
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning country_indicators: %w", err)
		}
		if !data.Valid || !json.Valid([]byte(data.String)) {
			continue
		}
		countries = append(countries, json.RawMessage(data.String))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading country_indicators: %w", err)
	}
	if len(countries) == 0 {
		return nil, fmt.Errorf("%s has no country rows: %w", s.path, ErrNotServed)
	}

	doc := struct {
		Metadata  map[string]any    `json:"metadata"`
		Countries []json.RawMessage `json:"countries"`
	}{
		Metadata:  map[string]any{"source": "sqlite", "total_countries": len(countries)},
		Countries: countries,
	}
	return json.Marshal(doc)
}

// Put stores or replaces one country record
func (s *SQLiteSource) Put(ctx context.Context, iso3, name string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", iso3, err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO country_indicators (iso3, country_name, data_json, last_updated, next_update) VALUES (?, ?, ?, ?, ?)`,
		iso3, name, string(data), now, now.Add(countryRefreshPeriod))
	if err != nil {
		return fmt.Errorf("storing %s: %w", iso3, err)
	}
	return nil
}

// ImportComposite stores every country of a composite document, keyed by iso3.
// Countries without an iso3 code are skipped. Returns the number stored.
func (s *SQLiteSource) ImportComposite(ctx context.Context, raw []byte) (int, error) {
	var doc struct {
		Countries []json.RawMessage `json:"countries"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("decoding composite document: %w", err)
	}

	n := 0
	for _, c := range doc.Countries {
		var head struct {
			Country string `json:"country"`
			ISO3    string `json:"iso3"`
		}
		if err := json.Unmarshal(c, &head); err != nil || head.ISO3 == "" {
			continue
		}
		if err := s.Put(ctx, head.ISO3, head.Country, c); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
