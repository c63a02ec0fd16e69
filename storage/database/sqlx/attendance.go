package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

type attendanceRepository struct {
	db *sqlx.DB
}

var _ attendance.Repository = (*attendanceRepository)(nil) // interface compliance check

func NewAttendanceRepository(db *sql.DB, conf *core.Config) *attendanceRepository {
	return &attendanceRepository{db: sqlx.NewDb(db, conf.Database.Engine)}
}

// row types; nullable columns go through null/v8

type (
	thresholdRow struct {
		ID               string    `db:"id"`
		Term             string    `db:"term"`
		RequiredFraction float64   `db:"required_fraction"`
		IsCurrent        bool      `db:"is_current"`
		CreatedAt        time.Time `db:"created_at"`
		UpdatedAt        time.Time `db:"updated_at"`
	}

	subjectRow struct {
		ID                  string      `db:"id"`
		Code                null.String `db:"code"`
		Name                null.String `db:"name"`
		TotalClassesPlanned int         `db:"total_classes_planned"`
		CreatedAt           time.Time   `db:"created_at"`
		UpdatedAt           time.Time   `db:"updated_at"`
	}

	sessionRow struct {
		ID            string       `db:"id"`
		SubjectID     string       `db:"subject_id"`
		Code          string       `db:"code"`
		ScheduledDate time.Time    `db:"scheduled_date"`
		VenueLat      null.Float64 `db:"venue_lat"`
		VenueLng      null.Float64 `db:"venue_lng"`
		IsCancelled   bool         `db:"is_cancelled"`
		CreatedAt     time.Time    `db:"created_at"`
		UpdatedAt     time.Time    `db:"updated_at"`
	}

	recordRow struct {
		ID        string    `db:"id"`
		SessionID string    `db:"session_id"`
		StudentID string    `db:"student_id"`
		Status    string    `db:"status"`
		MarkedBy  string    `db:"marked_by"`
		MarkedAt  time.Time `db:"marked_at"`
	}
)

func (r thresholdRow) unpack() attendance.TermThreshold {
	return attendance.TermThreshold{
		ID:               r.ID,
		Term:             r.Term,
		RequiredFraction: r.RequiredFraction,
		IsCurrent:        r.IsCurrent,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func (r subjectRow) unpack() attendance.Subject {
	return attendance.Subject{
		ID:                  r.ID,
		Code:                r.Code.String,
		Name:                r.Name.String,
		TotalClassesPlanned: r.TotalClassesPlanned,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func (r sessionRow) unpack() attendance.ClassSession {
	return attendance.ClassSession{
		ID:            r.ID,
		SubjectID:     r.SubjectID,
		Code:          r.Code,
		ScheduledDate: r.ScheduledDate,
		VenueLat:      r.VenueLat.Float64,
		VenueLng:      r.VenueLng.Float64,
		IsCancelled:   r.IsCancelled,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func (r recordRow) unpack() attendance.Record {
	return attendance.Record{
		ID:        r.ID,
		SessionID: r.SessionID,
		StudentID: r.StudentID,
		Status:    attendance.Status(r.Status),
		MarkedBy:  r.MarkedBy,
		MarkedAt:  r.MarkedAt,
	}
}

// trapNoRowsErr maps psql "no rows" err to attendance.ErrNotFound
func trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return attendance.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (repo attendanceRepository) GetCurrentThreshold(ctx context.Context) (attendance.TermThreshold, error) {
	var row thresholdRow
	err := repo.db.GetContext(ctx, &row,
		`SELECT * FROM term_threshold WHERE is_current LIMIT 1`)
	if err != nil {
		return attendance.TermThreshold{}, trapNoRowsErr(err, "getting current threshold")
	}
	return row.unpack(), nil
}

func (repo attendanceRepository) SetCurrentThreshold(ctx context.Context, th attendance.TermThreshold) (attendance.TermThreshold, error) {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return attendance.TermThreshold{}, errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `UPDATE term_threshold SET is_current = FALSE WHERE is_current`); err != nil {
		return attendance.TermThreshold{}, errors.Wrap(err, "clearing current threshold")
	}

	var row thresholdRow
	err = tx.GetContext(ctx, &row,
		`INSERT INTO term_threshold (id, term, required_fraction, is_current, created_at, updated_at)
		 VALUES ($1, $2, $3, TRUE, $4, $4)
		 ON CONFLICT (term) DO UPDATE
		 SET required_fraction = EXCLUDED.required_fraction, is_current = TRUE, updated_at = EXCLUDED.updated_at
		 RETURNING *`,
		uuid.New().String(), th.Term, th.RequiredFraction, th.UpdatedAt.UTC())
	if err != nil {
		return attendance.TermThreshold{}, errors.Wrap(err, "upserting threshold")
	}

	if err = tx.Commit(); err != nil {
		return attendance.TermThreshold{}, errors.Wrap(err, "committing transaction")
	}
	return row.unpack(), nil
}

func (repo attendanceRepository) GetSubject(ctx context.Context, id string) (attendance.Subject, error) {
	if _, err := uuid.Parse(id); err != nil {
		return attendance.Subject{}, attendance.ErrNotFound
	}
	var row subjectRow
	if err := repo.db.GetContext(ctx, &row, `SELECT * FROM subject WHERE id = $1`, id); err != nil {
		return attendance.Subject{}, trapNoRowsErr(err, "getting subject")
	}
	return row.unpack(), nil
}

func (repo attendanceRepository) UpsertSubjectPlan(ctx context.Context, sub attendance.Subject) (attendance.Subject, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	var row subjectRow
	err := repo.db.GetContext(ctx, &row,
		`INSERT INTO subject (id, code, name, total_classes_planned, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET code = COALESCE(NULLIF(EXCLUDED.code, ''), subject.code),
		     name = COALESCE(NULLIF(EXCLUDED.name, ''), subject.name),
		     total_classes_planned = EXCLUDED.total_classes_planned,
		     updated_at = EXCLUDED.updated_at
		 RETURNING *`,
		sub.ID,
		null.NewString(sub.Code, sub.Code != ""),
		null.NewString(sub.Name, sub.Name != ""),
		sub.TotalClassesPlanned,
		sub.UpdatedAt.UTC())
	if err != nil {
		return attendance.Subject{}, errors.Wrap(err, "upserting subject plan")
	}
	return row.unpack(), nil
}

func (repo attendanceRepository) CreateSession(ctx context.Context, sess attendance.ClassSession) (attendance.ClassSession, error) {
	sess.ID = uuid.New().String()
	if sess.Code == "" {
		sess.Code = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	var row sessionRow
	err := repo.db.GetContext(ctx, &row,
		`INSERT INTO class_session (id, subject_id, code, scheduled_date, venue_lat, venue_lng, is_cancelled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $7)
		 RETURNING *`,
		sess.ID, sess.SubjectID, sess.Code, sess.ScheduledDate.UTC(),
		null.NewFloat64(sess.VenueLat, sess.VenueLat != 0),
		null.NewFloat64(sess.VenueLng, sess.VenueLng != 0),
		sess.CreatedAt.UTC())
	if err != nil {
		return attendance.ClassSession{}, errors.Wrap(err, "inserting session")
	}
	return row.unpack(), nil
}

func (repo attendanceRepository) GetSessionByID(ctx context.Context, id string) (attendance.ClassSession, error) {
	if _, err := uuid.Parse(id); err != nil {
		return attendance.ClassSession{}, attendance.ErrNotFound
	}
	var row sessionRow
	if err := repo.db.GetContext(ctx, &row, `SELECT * FROM class_session WHERE id = $1`, id); err != nil {
		return attendance.ClassSession{}, trapNoRowsErr(err, "getting session by ID")
	}
	return row.unpack(), nil
}

func (repo attendanceRepository) GetSessionByCode(ctx context.Context, code string) (attendance.ClassSession, error) {
	var row sessionRow
	if err := repo.db.GetContext(ctx, &row, `SELECT * FROM class_session WHERE code = $1`, code); err != nil {
		return attendance.ClassSession{}, trapNoRowsErr(err, "getting session by code")
	}
	return row.unpack(), nil
}

func (repo attendanceRepository) QuerySessions(ctx context.Context, filter *attendance.SessionFilter, ordering []core.DBOrdering) ([]attendance.ClassSession, error) {
	query := `SELECT * FROM class_session`
	var clauses []string
	var args []interface{}

	arg := func(val interface{}) string {
		args = append(args, val)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter != nil {
		if filter.SubjectID != "" {
			clauses = append(clauses, "subject_id = "+arg(filter.SubjectID))
		}
		if !filter.From.IsZero() {
			clauses = append(clauses, "scheduled_date >= "+arg(filter.From.UTC()))
		}
		if !filter.To.IsZero() {
			clauses = append(clauses, "scheduled_date <= "+arg(filter.To.UTC()))
		}
		if !filter.IncludeCancelled {
			clauses = append(clauses, "NOT is_cancelled")
		}
	} else {
		clauses = append(clauses, "NOT is_cancelled")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	if len(ordering) > 0 {
		orderList := make([]string, 0, len(ordering))
		for _, ord := range ordering {
			orderList = append(orderList, ord.String())
		}
		query += " ORDER BY " + strings.Join(orderList, ", ")
	} else {
		query += " ORDER BY scheduled_date ASC"
	}

	var rows []sessionRow
	if err := repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "querying sessions")
	}
	sessions := make([]attendance.ClassSession, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.unpack())
	}
	return sessions, nil
}

func (repo attendanceRepository) CancelSession(ctx context.Context, id string) (attendance.ClassSession, error) {
	if _, err := uuid.Parse(id); err != nil {
		return attendance.ClassSession{}, attendance.ErrNotFound
	}
	var row sessionRow
	err := repo.db.GetContext(ctx, &row,
		`UPDATE class_session SET is_cancelled = TRUE, updated_at = $2 WHERE id = $1 RETURNING *`,
		id, time.Now().UTC())
	if err != nil {
		return attendance.ClassSession{}, trapNoRowsErr(err, "cancelling session")
	}
	return row.unpack(), nil
}

func (repo attendanceRepository) CountHeldSessions(ctx context.Context, subjectID string, asOf time.Time) (int, error) {
	var count int
	err := repo.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM class_session
		 WHERE subject_id = $1 AND scheduled_date <= $2 AND NOT is_cancelled`,
		subjectID, asOf.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "counting held sessions")
	}
	return count, nil
}

func (repo attendanceRepository) CountPresentRecords(ctx context.Context, studentID, subjectID string) (int, error) {
	var count int
	err := repo.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM attendance_record r
		 JOIN class_session s ON s.id = r.session_id
		 WHERE r.student_id = $1 AND s.subject_id = $2
		   AND NOT s.is_cancelled
		   AND r.status IN ('present', 'on_duty')`,
		studentID, subjectID)
	if err != nil {
		return 0, errors.Wrap(err, "counting present records")
	}
	return count, nil
}

func (repo attendanceRepository) StreamAttendanceHistory(ctx context.Context, studentID string) ([]attendance.HistoryRecord, error) {
	var rows []struct {
		Status        string    `db:"status"`
		EffectiveDate time.Time `db:"effective_date"`
	}
	err := repo.db.SelectContext(ctx, &rows,
		`SELECT r.status AS status, COALESCE(s.scheduled_date, r.marked_at) AS effective_date
		 FROM attendance_record r
		 JOIN class_session s ON s.id = r.session_id
		 WHERE r.student_id = $1 AND NOT s.is_cancelled
		 ORDER BY effective_date ASC, r.marked_at ASC`,
		studentID)
	if err != nil {
		return nil, errors.Wrap(err, "streaming attendance history")
	}
	history := make([]attendance.HistoryRecord, 0, len(rows))
	for _, row := range rows {
		history = append(history, attendance.HistoryRecord{
			Status:        attendance.Status(row.Status),
			EffectiveDate: row.EffectiveDate,
		})
	}
	return history, nil
}

// UpsertRecord relies on the (session_id, student_id) unique constraint: a
// single conflict-resolving write keeps the one-record-per-pair invariant under
// concurrent bulk marks and approval flows.
func (repo attendanceRepository) UpsertRecord(ctx context.Context, rec attendance.Record) (attendance.Record, error) {
	var row recordRow
	err := repo.db.GetContext(ctx, &row,
		`INSERT INTO attendance_record (id, session_id, student_id, status, marked_by, marked_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, student_id) DO UPDATE
		 SET status = EXCLUDED.status, marked_by = EXCLUDED.marked_by, marked_at = EXCLUDED.marked_at
		 RETURNING *`,
		uuid.New().String(), rec.SessionID, rec.StudentID, string(rec.Status), rec.MarkedBy, rec.MarkedAt.UTC())
	if err != nil {
		return attendance.Record{}, errors.Wrap(err, "upserting record")
	}
	return row.unpack(), nil
}

func (repo attendanceRepository) SessionSummary(ctx context.Context, sessionID string) (attendance.SessionSummary, error) {
	var row struct {
		Present int `db:"present"`
		Absent  int `db:"absent"`
		OnDuty  int `db:"on_duty"`
		Medical int `db:"medical"`
		Total   int `db:"total"`
	}
	err := repo.db.GetContext(ctx, &row,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'present') AS present,
		   COUNT(*) FILTER (WHERE status = 'absent') AS absent,
		   COUNT(*) FILTER (WHERE status = 'on_duty') AS on_duty,
		   COUNT(*) FILTER (WHERE status = 'medical') AS medical,
		   COUNT(*) AS total
		 FROM attendance_record WHERE session_id = $1`,
		sessionID)
	if err != nil {
		return attendance.SessionSummary{}, errors.Wrap(err, "summarising session")
	}
	return attendance.SessionSummary{
		SessionID: sessionID,
		Present:   row.Present,
		Absent:    row.Absent,
		OnDuty:    row.OnDuty,
		Medical:   row.Medical,
		Total:     row.Total,
	}, nil
}
