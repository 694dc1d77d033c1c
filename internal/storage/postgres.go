package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/your-org/gatewatch/internal/config"
	"github.com/your-org/gatewatch/internal/models"
)

// ErrMissingKey means a detection lacks the identity key required for
// idempotent persistence: no vendor record number and no usable
// sequence/UTC fallback. Such records are dropped, never persisted.
var ErrMissingKey = errors.New("detection has no identity key")

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const detectionColumns = `id, rec_no, sequence, label, channel, gate_name,
	locale_time, utc, real_utc,
	face_age, face_sex, face_quality, face_rect, face_center, emotion,
	glasses, mask, beard,
	person_uid, person_group, person_pic_url, face_id, class_ref,
	is_registered, is_matched, rec_no_in, duration, similarity, status,
	revert_by, is_duplicate, created_at`

func scanDetection(row pgx.Row) (*models.Detection, error) {
	d := &models.Detection{}
	var recNo *int64
	err := row.Scan(&d.ID, &recNo, &d.Sequence, &d.Label, &d.Channel, &d.GateName,
		&d.LocaleTime, &d.UTC, &d.RealUTC,
		&d.FaceAge, &d.FaceSex, &d.FaceQuality, &d.FaceRect, &d.FaceCenter, &d.Emotion,
		&d.Glasses, &d.Mask, &d.Beard,
		&d.PersonUID, &d.PersonGroup, &d.PersonPicURL, &d.FaceID, &d.ClassRef,
		&d.IsRegistered, &d.IsMatched, &d.RecNoIn, &d.Duration, &d.Similarity, &d.Status,
		&d.RevertBy, &d.IsDuplicate, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if recNo != nil {
		d.RecNo = *recNo
	}
	return d, nil
}

// --- Detections ---

// InsertDetectionIfNew persists a detection unless one with the same
// identity already exists. Finder records are keyed by the vendor record
// number; push-stream records (no rec_no) are keyed by (channel, utc,
// sequence). The appliance redelivers overlapping time windows, so the
// existence check makes ingestion idempotent. Returns true when a row was
// inserted.
func (s *PostgresStore) InsertDetectionIfNew(ctx context.Context, d *models.Detection) (bool, error) {
	var recNo *int64
	switch {
	case d.RecNo > 0:
		recNo = &d.RecNo
	case d.UTC > 0 && d.Sequence > 0:
		// stream identity below
	default:
		return false, ErrMissingKey
	}

	var exists bool
	var err error
	if recNo != nil {
		err = s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM detections WHERE rec_no = $1)`, *recNo,
		).Scan(&exists)
	} else {
		err = s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM detections
			 WHERE rec_no IS NULL AND channel = $1 AND utc = $2 AND sequence = $3)`,
			d.Channel, d.UTC, d.Sequence,
		).Scan(&exists)
	}
	if err != nil {
		return false, fmt.Errorf("check detection existence: %w", err)
	}
	if exists {
		return false, nil
	}

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = time.Now()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO detections (`+detectionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		         $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26,
		         $27, $28, $29, $30, $31, $32)`,
		d.ID, recNo, d.Sequence, d.Label, d.Channel, d.GateName,
		d.LocaleTime, d.UTC, d.RealUTC,
		d.FaceAge, d.FaceSex, d.FaceQuality, d.FaceRect, d.FaceCenter, d.Emotion,
		d.Glasses, d.Mask, d.Beard,
		d.PersonUID, d.PersonGroup, d.PersonPicURL, d.FaceID, d.ClassRef,
		d.IsRegistered, d.IsMatched, d.RecNoIn, d.Duration, d.Similarity, d.Status,
		d.RevertBy, d.IsDuplicate, d.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert detection: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetDetectionByRecNo(ctx context.Context, recNo int64) (*models.Detection, error) {
	d, err := scanDetection(s.pool.QueryRow(ctx,
		`SELECT `+detectionColumns+` FROM detections WHERE rec_no = $1`, recNo))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get detection: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) queryDetections(ctx context.Context, query string, args ...any) ([]models.Detection, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var out []models.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UnregisteredIn selects registration candidates: IN detections not yet
// processed, with a captured image, newest-first, inside [from, to).
func (s *PostgresStore) UnregisteredIn(ctx context.Context, from, to time.Time, limit int) ([]models.Detection, error) {
	return s.queryDetections(ctx,
		`SELECT `+detectionColumns+` FROM detections
		 WHERE label = 'in' AND is_registered = false AND person_pic_url <> ''
		   AND locale_time >= $1 AND locale_time < $2
		 ORDER BY locale_time DESC LIMIT $3`,
		from, to, limit)
}

// UnmatchedOut selects matching candidates: OUT detections not yet
// processed, without an IN back-reference, with a captured image, inside
// [from, to).
func (s *PostgresStore) UnmatchedOut(ctx context.Context, from, to time.Time) ([]models.Detection, error) {
	return s.queryDetections(ctx,
		`SELECT `+detectionColumns+` FROM detections
		 WHERE label = 'out' AND is_matched = false AND is_registered = false
		   AND rec_no_in IS NULL AND person_pic_url <> ''
		   AND locale_time >= $1 AND locale_time < $2
		 ORDER BY locale_time ASC`,
		from, to)
}

// FindMatchCandidate returns the IN detection correlated to an OUT: same
// person identity, locale_time strictly before the given bound (the OUT
// time minus the dwell tolerance). When several qualify, the earliest
// locale_time wins, deterministically.
func (s *PostgresStore) FindMatchCandidate(ctx context.Context, personUID string, before time.Time) (*models.Detection, error) {
	d, err := scanDetection(s.pool.QueryRow(ctx,
		`SELECT `+detectionColumns+` FROM detections
		 WHERE label = 'in' AND person_uid = $1 AND locale_time < $2
		 ORDER BY locale_time ASC LIMIT 1`,
		personUID, before))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find match candidate: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) RecentDetections(ctx context.Context, limit, offset int) ([]models.Detection, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.queryDetections(ctx,
		`SELECT `+detectionColumns+` FROM detections
		 ORDER BY locale_time DESC LIMIT $1 OFFSET $2`, limit, offset)
}

// --- Row-scoped workflow updates ---
// Predicate guards double as optimistic concurrency gates: if another run
// already flagged the row, the update no-ops.

// MarkNoFace records the terminal "processed, no face detected" outcome.
func (s *PostgresStore) MarkNoFace(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE detections SET status = false, is_registered = true
		 WHERE id = $1 AND is_registered = false`, id)
	if err != nil {
		return fmt.Errorf("mark no face: %w", err)
	}
	return nil
}

// MarkRegistered records a successful face enrollment.
func (s *PostgresStore) MarkRegistered(ctx context.Context, id uuid.UUID, faceID, classRef string, age int, sex string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE detections
		 SET is_registered = true, status = true, face_id = $2, class_ref = $3,
		     face_age = $4, face_sex = $5
		 WHERE id = $1`, id, faceID, classRef, age, sex)
	if err != nil {
		return fmt.Errorf("mark registered: %w", err)
	}
	return nil
}

// RevertRegistration puts a candidate back into the eligible pool after a
// mid-flow failure so the next scheduled run retries it.
func (s *PostgresStore) RevertRegistration(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE detections SET is_registered = false, status = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revert registration: %w", err)
	}
	return nil
}

// MarkNoMatch records the terminal "processed, no match" outcome for an OUT
// detection; it will not be retried.
func (s *PostgresStore) MarkNoMatch(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE detections SET is_matched = false, is_registered = true
		 WHERE id = $1 AND is_matched = false`, id)
	if err != nil {
		return fmt.Errorf("mark no match: %w", err)
	}
	return nil
}

// MarkMatched pairs an OUT detection with its IN counterpart and stores the
// computed dwell duration and match attributes from the recognition service.
func (s *PostgresStore) MarkMatched(ctx context.Context, id uuid.UUID, recNoIn int64, duration, similarity int, personUID, sex string, age int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE detections
		 SET is_matched = true, is_registered = true, status = true,
		     rec_no_in = $2, duration = $3, similarity = $4,
		     person_uid = $5, face_sex = $6, face_age = $7
		 WHERE id = $1 AND is_matched = false`,
		id, recNoIn, duration, similarity, personUID, sex, age)
	if err != nil {
		return fmt.Errorf("mark matched: %w", err)
	}
	return nil
}

// StatusCounts returns aggregate counters for the operational API.
func (s *PostgresStore) StatusCounts(ctx context.Context) (map[string]int64, error) {
	var total, in, out, matched, unregistered, ledger int64
	err := s.pool.QueryRow(ctx,
		`SELECT
		   count(*),
		   count(*) FILTER (WHERE label = 'in'),
		   count(*) FILTER (WHERE label = 'out'),
		   count(*) FILTER (WHERE is_matched),
		   count(*) FILTER (WHERE label = 'in' AND NOT is_registered),
		   (SELECT count(*) FROM failure_ledger)
		 FROM detections`).Scan(&total, &in, &out, &matched, &unregistered, &ledger)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	return map[string]int64{
		"detections":      total,
		"in":              in,
		"out":             out,
		"matched":         matched,
		"unregistered_in": unregistered,
		"ledger":          ledger,
	}, nil
}

// --- Failure ledger ---

// EnsureLedgerEntry records a transient match failure for a detection.
// Duplicate failures for the same rec_no are ignored: per-record uniqueness
// is the serialization point preventing duplicate retry entries.
func (s *PostgresStore) EnsureLedgerEntry(ctx context.Context, recNo int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO failure_ledger (rec_no, try_count, status, created_at, updated_at)
		 VALUES ($1, 0, false, now(), now())
		 ON CONFLICT (rec_no) DO NOTHING`, recNo)
	if err != nil {
		return fmt.Errorf("ensure ledger entry: %w", err)
	}
	return nil
}

// PendingLedgerEntries returns entries still below the retry ceiling.
// Entries at the ceiling stay in place for manual inspection.
func (s *PostgresStore) PendingLedgerEntries(ctx context.Context, ceiling int) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT rec_no, try_count, status, created_at, updated_at
		 FROM failure_ledger WHERE try_count < $1 ORDER BY created_at ASC`, ceiling)
	if err != nil {
		return nil, fmt.Errorf("pending ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.RecNo, &e.TryCount, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IncrementTryCount bumps the attempt counter. Called before the attempt so
// a crash mid-retry still counts toward the ceiling.
func (s *PostgresStore) IncrementTryCount(ctx context.Context, recNo int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE failure_ledger SET try_count = try_count + 1, updated_at = now()
		 WHERE rec_no = $1`, recNo)
	if err != nil {
		return fmt.Errorf("increment try count: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteLedgerEntry(ctx context.Context, recNo int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM failure_ledger WHERE rec_no = $1`, recNo)
	if err != nil {
		return fmt.Errorf("delete ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT rec_no, try_count, status, created_at, updated_at
		 FROM failure_ledger ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.RecNo, &e.TryCount, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
