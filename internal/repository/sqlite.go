package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aigoflow/inference-router/internal/models"
	"github.com/aigoflow/inference-router/internal/store"
)

// SQLiteRepository implements Repository interface using SQLite
type SQLiteRepository struct {
	db          *store.DB
	backendRepo BackendRepositoryInterface
	outcomeRepo OutcomeRepositoryInterface
	eventRepo   EventRepositoryInterface
}

func NewSQLiteRepository(db *store.DB) Repository {
	return &SQLiteRepository{
		db:          db,
		backendRepo: &SQLiteBackendRepository{db: db},
		outcomeRepo: &SQLiteOutcomeRepository{db: db},
		eventRepo:   &SQLiteEventRepository{db: db},
	}
}

func (r *SQLiteRepository) Backend() BackendRepositoryInterface {
	return r.backendRepo
}

func (r *SQLiteRepository) Outcome() OutcomeRepositoryInterface {
	return r.outcomeRepo
}

func (r *SQLiteRepository) Event() EventRepositoryInterface {
	return r.eventRepo
}

// SQLiteBackendRepository persists the registry mirror
type SQLiteBackendRepository struct {
	db *store.DB
}

func (r *SQLiteBackendRepository) SaveBackend(ctx context.Context, b *models.Backend) error {
	cfg := "{}"
	if b.Config != nil {
		if data, err := json.Marshal(b.Config); err == nil {
			cfg = string(data)
		}
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO backends(id,host,port,type,status,config,created)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET host=excluded.host, port=excluded.port,
			type=excluded.type, status=excluded.status, config=excluded.config`,
		b.ID, b.Host, b.Port, b.Type, string(b.Status), cfg,
		float64(b.Created.UnixNano())/1e9)
	return err
}

func (r *SQLiteBackendRepository) DeleteBackend(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM backends WHERE id=?`, id)
	return err
}

func (r *SQLiteBackendRepository) ListBackends(ctx context.Context) ([]models.Backend, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id,host,port,type,status,config,created FROM backends ORDER BY created`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var backends []models.Backend
	for rows.Next() {
		var b models.Backend
		var status, cfg string
		var createdFloat float64
		if err := rows.Scan(&b.ID, &b.Host, &b.Port, &b.Type, &status, &cfg, &createdFloat); err != nil {
			return nil, err
		}
		b.Status = models.BackendStatus(status)
		b.Health = models.HealthUnknown
		b.Created = time.Unix(0, int64(createdFloat*1e9))
		if cfg != "" && cfg != "{}" {
			_ = json.Unmarshal([]byte(cfg), &b.Config)
		}
		backends = append(backends, b)
	}
	return backends, rows.Err()
}

// SQLiteOutcomeRepository handles dispatch outcome logging
type SQLiteOutcomeRepository struct {
	db *store.DB
}

func (r *SQLiteOutcomeRepository) LogOutcome(ctx context.Context, outcome *models.DispatchOutcome, meta *models.RequestMeta) error {
	stream := 0
	if meta.Stream {
		stream = 1
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO outcomes(
		ts, req_id, trace_id, backend_id, model, caller, stream, attempts, status, latency_ms, tokens_in, tokens_out, error)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		float64(outcome.Timestamp.UnixNano())/1e9, outcome.ReqID, meta.TraceID,
		outcome.BackendID, meta.Model, meta.Caller, stream, outcome.Attempts,
		string(outcome.Status), float64(outcome.Latency.Milliseconds()),
		outcome.TokensIn, outcome.TokensOut, outcome.Error)
	return err
}

func (r *SQLiteOutcomeRepository) GetOutcomes(ctx context.Context, limit int) ([]*models.OutcomeLog, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT ts,req_id,trace_id,backend_id,model,caller,stream,attempts,status,latency_ms,tokens_in,tokens_out,error
		FROM outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.OutcomeLog
	for rows.Next() {
		var log models.OutcomeLog
		var tsFloat float64
		var stream int
		var status string
		if err := rows.Scan(
			&tsFloat, &log.ReqID, &log.TraceID, &log.BackendID, &log.Model,
			&log.Caller, &stream, &log.Attempts, &status, &log.LatencyMs,
			&log.TokensIn, &log.TokensOut, &log.Error,
		); err == nil {
			log.Timestamp = time.Unix(0, int64(tsFloat*1e9))
			log.Stream = stream == 1
			log.Status = models.OutcomeStatus(status)
			logs = append(logs, &log)
		}
	}
	return logs, nil
}

// SQLiteEventRepository handles event logging
type SQLiteEventRepository struct {
	db *store.DB
}

func (r *SQLiteEventRepository) LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error {
	r.db.Event(level, code, msg, meta)
	return nil
}
