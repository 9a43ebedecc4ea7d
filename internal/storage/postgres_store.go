package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/blood-match/internal/apperr"
	"github.com/example/blood-match/internal/models"
)

// PostgresStore is the Store backed by the emergency_requests and
// request_matches tables (see migrations/001_create_emergency.sql). The
// unique (request_id, donor_id) constraint enforces one match per donor and
// request; status updates carry the expected status in their WHERE clause.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const requestColumns = `id, requester_id, blood_type, rh, urgency, location_lat, location_lon,
	radius_km, units_needed, status, created_at, expires_at, updated_at`

const matchColumns = `id, request_id, donor_id, distance_km, score, eta_seconds, status, response_seconds, created_at, updated_at`

func (p *PostgresStore) CreateRequestWithMatches(ctx context.Context, req models.EmergencyRequest, matches []models.Match) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Persistence("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lat, lon float64
	if req.Location != nil {
		lat, lon = req.Location.Lat, req.Location.Lon
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO emergency_requests(`+requestColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		req.ID, req.RequesterID, req.BloodType, req.Rh, req.Urgency, lat, lon,
		req.RadiusKm, req.UnitsNeeded, req.Status, req.CreatedAt, req.ExpiresAt, req.UpdatedAt)
	if err != nil {
		return classify("insert request", err)
	}

	if len(matches) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO request_matches(`+matchColumns+`)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`)
		if err != nil {
			return apperr.Persistence("prepare match insert", err)
		}
		defer stmt.Close()
		for _, m := range matches {
			if _, err := stmt.ExecContext(ctx, m.ID, m.RequestID, m.DonorID, m.DistanceKm, m.Score, m.ETASeconds,
				m.Status, nullFloat(m.ResponseSeconds), m.CreatedAt, m.UpdatedAt); err != nil {
				return classify("insert match", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Persistence("commit", err)
	}
	return nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (models.EmergencyRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM emergency_requests WHERE id=$1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EmergencyRequest{}, apperr.NotFound("request", id)
	}
	if err != nil {
		return models.EmergencyRequest{}, apperr.Persistence("get request", err)
	}
	return r, nil
}

func (p *PostgresStore) GetMatch(ctx context.Context, id string) (models.Match, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM request_matches WHERE id=$1`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Match{}, apperr.NotFound("match", id)
	}
	if err != nil {
		return models.Match{}, apperr.Persistence("get match", err)
	}
	return m, nil
}

func (p *PostgresStore) ListMatches(ctx context.Context, requestID string) ([]models.Match, error) {
	if _, err := p.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+matchColumns+` FROM request_matches
		WHERE request_id=$1 ORDER BY score DESC, distance_km ASC, donor_id ASC`, requestID)
	if err != nil {
		return nil, apperr.Persistence("list matches", err)
	}
	defer rows.Close()
	var out []models.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, apperr.Persistence("scan match", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("list matches", err)
	}
	return out, nil
}

func (p *PostgresStore) CountMatches(ctx context.Context, requestID string, status models.MatchStatus) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM request_matches WHERE request_id=$1 AND status=$2`,
		requestID, status).Scan(&n)
	if err != nil {
		return 0, apperr.Persistence("count matches", err)
	}
	return n, nil
}

func (p *PostgresStore) CompareAndSwapRequestStatus(ctx context.Context, id string, from, to models.RequestStatus, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE emergency_requests SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`,
		to, at, id, from)
	if err != nil {
		return false, apperr.Persistence("update request status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Persistence("update request status", err)
	}
	if n == 1 {
		return true, nil
	}
	if err := p.exists(ctx, "emergency_requests", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, apperr.NotFound("request", id)
		}
		return false, apperr.Persistence("check request", err)
	}
	return false, nil
}

func (p *PostgresStore) UpdateMatchStatus(ctx context.Context, id string, from, to models.MatchStatus, latency *float64, at time.Time) (models.Match, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE request_matches
		SET status=$1, response_seconds=COALESCE($2::double precision, response_seconds), updated_at=$3
		WHERE id=$4 AND status=$5
		RETURNING `+matchColumns, to, nullFloat(latency), at, id, from)
	m, err := scanMatch(row)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Match{}, apperr.Persistence("update match status", err)
	}
	current, gerr := p.GetMatch(ctx, id)
	if gerr != nil {
		return models.Match{}, gerr
	}
	return current, ErrStatusConflict
}

func (p *PostgresStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.EmergencyRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM emergency_requests
		WHERE status IN ('open','matched') AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT NULLIF($2::int, 0)`, now, limit)
	if err != nil {
		return nil, apperr.Persistence("list expirable", err)
	}
	defer rows.Close()
	var out []models.EmergencyRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, apperr.Persistence("scan request", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("list expirable", err)
	}
	return out, nil
}

func (p *PostgresStore) exists(ctx context.Context, table, id string) error {
	var one int
	return p.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id=$1`, id).Scan(&one)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (models.EmergencyRequest, error) {
	var (
		r        models.EmergencyRequest
		lat, lon float64
	)
	err := s.Scan(&r.ID, &r.RequesterID, &r.BloodType, &r.Rh, &r.Urgency, &lat, &lon,
		&r.RadiusKm, &r.UnitsNeeded, &r.Status, &r.CreatedAt, &r.ExpiresAt, &r.UpdatedAt)
	if err != nil {
		return models.EmergencyRequest{}, err
	}
	r.Location = &models.Coord{Lat: lat, Lon: lon}
	return r, nil
}

func scanMatch(s scanner) (models.Match, error) {
	var (
		m       models.Match
		latency sql.NullFloat64
	)
	err := s.Scan(&m.ID, &m.RequestID, &m.DonorID, &m.DistanceKm, &m.Score, &m.ETASeconds, &m.Status, &latency, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return models.Match{}, err
	}
	if latency.Valid {
		v := latency.Float64
		m.ResponseSeconds = &v
	}
	return m, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// classify maps unique violations to ErrDuplicate and everything else to a
// persistence failure.
func classify(op string, err error) error {
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return apperr.Persistence(op, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
