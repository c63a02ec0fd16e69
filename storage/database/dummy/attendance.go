package dummydb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

type attendanceRepository struct {
	db *attendanceTables
}

var _ attendance.Repository = (*attendanceRepository)(nil) // interface compliance check

func NewAttendanceRepository(db *DB) attendance.Repository {
	return &attendanceRepository{db: db.attendance}
}

func (repo *attendanceRepository) GetCurrentThreshold(ctx context.Context) (attendance.TermThreshold, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, th := range repo.db.thresholds {
		if th.IsCurrent {
			return *th, nil
		}
	}
	return attendance.TermThreshold{}, attendance.ErrNotFound
}

func (repo *attendanceRepository) SetCurrentThreshold(ctx context.Context, th attendance.TermThreshold) (attendance.TermThreshold, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, old := range repo.db.thresholds {
		old.IsCurrent = false
	}
	if existing, ok := repo.db.thresholds[th.Term]; ok {
		existing.RequiredFraction = th.RequiredFraction
		existing.IsCurrent = true
		existing.UpdatedAt = th.UpdatedAt
		return *existing, nil
	}
	th.ID = uuid.New().String()
	repo.db.thresholds[th.Term] = &th
	return th, nil
}

func (repo *attendanceRepository) GetSubject(ctx context.Context, id string) (attendance.Subject, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if sub, ok := repo.db.subjects[id]; ok {
		return *sub, nil
	}
	return attendance.Subject{}, attendance.ErrNotFound
}

func (repo *attendanceRepository) UpsertSubjectPlan(ctx context.Context, sub attendance.Subject) (attendance.Subject, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if existing, ok := repo.db.subjects[sub.ID]; ok {
		if sub.Code != "" {
			existing.Code = sub.Code
		}
		if sub.Name != "" {
			existing.Name = sub.Name
		}
		existing.TotalClassesPlanned = sub.TotalClassesPlanned
		existing.UpdatedAt = sub.UpdatedAt
		return *existing, nil
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	repo.db.subjects[sub.ID] = &sub
	return sub, nil
}

func (repo *attendanceRepository) CreateSession(ctx context.Context, sess attendance.ClassSession) (attendance.ClassSession, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	sess.ID = uuid.New().String()
	if sess.Code == "" {
		sess.Code = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	repo.db.sessions[sess.ID] = &sess
	return sess, nil
}

func (repo *attendanceRepository) GetSessionByID(ctx context.Context, id string) (attendance.ClassSession, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if sess, ok := repo.db.sessions[id]; ok {
		return *sess, nil
	}
	return attendance.ClassSession{}, attendance.ErrNotFound
}

func (repo *attendanceRepository) GetSessionByCode(ctx context.Context, code string) (attendance.ClassSession, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, sess := range repo.db.sessions {
		if sess.Code == code {
			return *sess, nil
		}
	}
	return attendance.ClassSession{}, attendance.ErrNotFound
}

func (repo *attendanceRepository) QuerySessions(ctx context.Context, filter *attendance.SessionFilter, ordering []core.DBOrdering) ([]attendance.ClassSession, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	sessions := make([]attendance.ClassSession, 0, len(repo.db.sessions))
	for _, sess := range repo.db.sessions {
		if filter != nil {
			if filter.SubjectID != "" && sess.SubjectID != filter.SubjectID {
				continue
			}
			if !filter.From.IsZero() && sess.ScheduledDate.Before(filter.From) {
				continue
			}
			if !filter.To.IsZero() && sess.ScheduledDate.After(filter.To) {
				continue
			}
			if !filter.IncludeCancelled && sess.IsCancelled {
				continue
			}
		}
		sessions = append(sessions, *sess)
	}

	descending := len(ordering) > 0 && ordering[0].Field == "scheduled_date" && !ordering[0].Ascending
	sort.Slice(sessions, func(i, j int) bool {
		if descending {
			return sessions[i].ScheduledDate.After(sessions[j].ScheduledDate)
		}
		return sessions[i].ScheduledDate.Before(sessions[j].ScheduledDate)
	})
	return sessions, nil
}

func (repo *attendanceRepository) CancelSession(ctx context.Context, id string) (attendance.ClassSession, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	sess, ok := repo.db.sessions[id]
	if !ok {
		return attendance.ClassSession{}, attendance.ErrNotFound
	}
	sess.IsCancelled = true
	sess.UpdatedAt = time.Now().UTC()
	return *sess, nil
}

func (repo *attendanceRepository) CountHeldSessions(ctx context.Context, subjectID string, asOf time.Time) (int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var count int
	for _, sess := range repo.db.sessions {
		if sess.SubjectID == subjectID && !sess.IsCancelled && !sess.ScheduledDate.After(asOf) {
			count++
		}
	}
	return count, nil
}

func (repo *attendanceRepository) CountPresentRecords(ctx context.Context, studentID, subjectID string) (int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var count int
	for _, rec := range repo.db.records {
		if rec.StudentID != studentID || !rec.Status.CountsPresent() {
			continue
		}
		if sess, ok := repo.db.sessions[rec.SessionID]; ok && sess.SubjectID == subjectID && !sess.IsCancelled {
			count++
		}
	}
	return count, nil
}

func (repo *attendanceRepository) StreamAttendanceHistory(ctx context.Context, studentID string) ([]attendance.HistoryRecord, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var history []attendance.HistoryRecord
	for _, rec := range repo.db.records {
		if rec.StudentID != studentID {
			continue
		}
		effective := rec.MarkedAt
		if sess, ok := repo.db.sessions[rec.SessionID]; ok {
			if sess.IsCancelled {
				continue
			}
			effective = sess.ScheduledDate
		}
		history = append(history, attendance.HistoryRecord{Status: rec.Status, EffectiveDate: effective})
	}
	sort.Slice(history, func(i, j int) bool { return history[i].EffectiveDate.Before(history[j].EffectiveDate) })
	return history, nil
}

func (repo *attendanceRepository) UpsertRecord(ctx context.Context, rec attendance.Record) (attendance.Record, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	key := rec.SessionID + "/" + rec.StudentID
	if existing, ok := repo.db.records[key]; ok {
		existing.Status = rec.Status
		existing.MarkedBy = rec.MarkedBy
		existing.MarkedAt = rec.MarkedAt
		return *existing, nil
	}
	rec.ID = uuid.New().String()
	repo.db.records[key] = &rec
	return rec, nil
}

func (repo *attendanceRepository) SessionSummary(ctx context.Context, sessionID string) (attendance.SessionSummary, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	summary := attendance.SessionSummary{SessionID: sessionID}
	for _, rec := range repo.db.records {
		if rec.SessionID != sessionID {
			continue
		}
		switch rec.Status {
		case attendance.StatusPresent:
			summary.Present++
		case attendance.StatusAbsent:
			summary.Absent++
		case attendance.StatusOnDuty:
			summary.OnDuty++
		case attendance.StatusMedical:
			summary.Medical++
		}
		summary.Total++
	}
	return summary, nil
}
