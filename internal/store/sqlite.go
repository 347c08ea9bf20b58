package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// Durable mirror of the runtime backend registry, reloaded on start
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS backends(
		id TEXT PRIMARY KEY,
		host TEXT,
		port INTEGER,
		type TEXT,
		status TEXT,
		config TEXT,
		created REAL
	)`); err != nil {
		return nil, err
	}

	// Dispatch outcome log, one row per completed inference request
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS outcomes(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		req_id TEXT,
		trace_id TEXT,
		backend_id TEXT,
		model TEXT,
		caller TEXT,
		stream INTEGER,
		attempts INTEGER,
		status TEXT,
		latency_ms REAL,
		tokens_in INTEGER,
		tokens_out INTEGER,
		error TEXT
	)`); err != nil {
		return nil, err
	}

	// Process lifecycle events
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		level TEXT,
		code TEXT,
		msg TEXT,
		meta TEXT
	)`); err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

func (db *DB) Event(level, code, msg string, meta map[string]interface{}) {
	m := ""
	if meta != nil {
		b, _ := json.Marshal(meta)
		m = string(b)
	}
	_, _ = db.Exec(`INSERT INTO events(ts,level,code,msg,meta) VALUES(?,?,?,?,?)`,
		float64(time.Now().UnixNano())/1e9, level, code, msg, m)
}
