package attendance

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/mahudhurio/core"
)

var (
	// NowFunc tells the service what "today" is. Mockable.
	NowFunc = time.Now

	// errors
	ErrNotFound         = errors.New("not found")
	ErrSessionCancelled = errors.New("session has been cancelled")
	ErrSessionNotOpen   = errors.New("session is not open for check-in yet")
	ErrGeoUnverified    = errors.New("location could not be verified")
)

type (
	// Repository is the external persistence collaborator. Implementations must
	// keep UpsertRecord atomic (a single conflict-resolving write) so the
	// one-record-per-(student, session) invariant holds under concurrent marks.
	Repository interface {
		GetCurrentThreshold(ctx context.Context) (TermThreshold, error) // ErrNotFound when unset
		SetCurrentThreshold(ctx context.Context, th TermThreshold) (TermThreshold, error)

		GetSubject(ctx context.Context, id string) (Subject, error) // ErrNotFound when absent
		UpsertSubjectPlan(ctx context.Context, sub Subject) (Subject, error)

		CreateSession(ctx context.Context, sess ClassSession) (ClassSession, error)
		GetSessionByID(ctx context.Context, id string) (ClassSession, error)
		GetSessionByCode(ctx context.Context, code string) (ClassSession, error)
		// QuerySessions applies AND operation on available SessionFilter fields.
		QuerySessions(ctx context.Context, filter *SessionFilter, ordering []core.DBOrdering) ([]ClassSession, error)
		CancelSession(ctx context.Context, id string) (ClassSession, error)

		// CountHeldSessions counts the subject's sessions with
		// scheduledDate <= asOf that were not cancelled.
		CountHeldSessions(ctx context.Context, subjectID string, asOf time.Time) (int, error)
		// CountPresentRecords counts the student's records with a
		// present-equivalent status, joined through the subject's non-cancelled
		// sessions.
		CountPresentRecords(ctx context.Context, studentID, subjectID string) (int, error)
		// StreamAttendanceHistory returns the student's records across all
		// subjects, ascending by effective date.
		StreamAttendanceHistory(ctx context.Context, studentID string) ([]HistoryRecord, error)

		UpsertRecord(ctx context.Context, rec Record) (Record, error)
		SessionSummary(ctx context.Context, sessionID string) (SessionSummary, error)
	}

	Service struct {
		repo Repository
		mail core.EmailService
		conf *core.Config
	}
)

func NewService(repo Repository, mailSvc core.EmailService, conf *core.Config) *Service {
	return &Service{
		repo: repo,
		mail: mailSvc,
		conf: conf,
	}
}

// requiredFraction resolves the current term threshold, falling back to
// DefaultRequiredFraction when none is configured. A missing threshold is not
// an error; anything else is, and propagates unmodified.
func (svc *Service) requiredFraction(ctx context.Context) (float64, error) {
	th, err := svc.repo.GetCurrentThreshold(ctx)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return DefaultRequiredFraction, nil
		}
		return 0, errors.Wrap(err, "getting current threshold")
	}
	return th.RequiredFraction, nil
}

// ComputeBuffer computes the student's safe-to-miss budget for a subject from
// the current facts. Pure read-then-compute; safe to call concurrently.
func (svc *Service) ComputeBuffer(ctx context.Context, studentID, subjectID string) (BufferResult, error) {
	threshold, err := svc.requiredFraction(ctx)
	if err != nil {
		return BufferResult{}, err
	}

	var totalPlanned int
	sub, err := svc.repo.GetSubject(ctx, subjectID)
	if err != nil {
		if errors.Cause(err) != ErrNotFound { // unknown subject: zero plan
			return BufferResult{}, errors.Wrap(err, "getting subject")
		}
	} else {
		totalPlanned = sub.TotalClassesPlanned
	}

	heldCount, err := svc.repo.CountHeldSessions(ctx, subjectID, NowFunc().UTC())
	if err != nil {
		return BufferResult{}, errors.Wrap(err, "counting held sessions")
	}
	presentCount, err := svc.repo.CountPresentRecords(ctx, studentID, subjectID)
	if err != nil {
		return BufferResult{}, errors.Wrap(err, "counting present records")
	}

	return ComputeBuffer(presentCount, heldCount, totalPlanned, threshold), nil
}

// ComputeTrend folds the student's full chronological history into weekly
// cumulative checkpoints.
func (svc *Service) ComputeTrend(ctx context.Context, studentID string) ([]TrendPoint, error) {
	history, err := svc.repo.StreamAttendanceHistory(ctx, studentID)
	if err != nil {
		return nil, errors.Wrap(err, "streaming attendance history")
	}
	return AggregateTrend(history), nil
}

// CheckIn records a student's self check-in against a session QR token. The
// geofence verdict is computed client-side; an unverified one is rejected here.
func (svc *Service) CheckIn(ctx context.Context, studentID string, ci CheckIn) (Record, error) {
	if !ci.GeoVerified {
		return Record{}, core.NewValidationError(ErrGeoUnverified)
	}

	sess, err := svc.repo.GetSessionByCode(ctx, ci.SessionCode)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return Record{}, core.NewValidationError(err, core.FieldError{Field: "session_code", Error: "unknown session code"})
		}
		return Record{}, errors.Wrap(err, "getting session by code")
	}
	if sess.IsCancelled {
		return Record{}, core.NewValidationError(ErrSessionCancelled)
	}
	if sess.ScheduledDate.After(endOfDay(NowFunc().UTC())) {
		return Record{}, core.NewValidationError(ErrSessionNotOpen)
	}

	return svc.upsert(ctx, sess.ID, studentID, StatusPresent, studentID)
}

// MarkSession is a faculty roll call: every mark is upserted, so re-submitting
// corrects statuses instead of duplicating records. When notifyEmail is set, a
// summary of students left below the threshold is mailed to it, best effort.
func (svc *Service) MarkSession(ctx context.Context, sessionID, markedBy, notifyEmail string, bm BulkMark) ([]Record, error) {
	sess, err := svc.repo.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "getting session")
	}
	if sess.IsCancelled {
		return nil, core.NewValidationError(ErrSessionCancelled)
	}

	recs := make([]Record, 0, len(bm.Marks))
	for _, mark := range bm.Marks {
		rec, err := svc.upsert(ctx, sess.ID, mark.StudentID, mark.Status, markedBy)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	if notifyEmail != "" {
		svc.notifyUnsafe(ctx, sess, recs, notifyEmail)
	}
	return recs, nil
}

// ApproveOD turns an approved on-duty exemption into a present-equivalent
// record for the session.
func (svc *Service) ApproveOD(ctx context.Context, approvedBy string, od ODApproval) (Record, error) {
	sess, err := svc.repo.GetSessionByID(ctx, od.SessionID)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return Record{}, core.NewValidationError(err, core.FieldError{Field: "session_id", Error: "unknown session"})
		}
		return Record{}, errors.Wrap(err, "getting session")
	}
	if sess.IsCancelled {
		return Record{}, core.NewValidationError(ErrSessionCancelled)
	}
	return svc.upsert(ctx, sess.ID, od.StudentID, StatusOnDuty, approvedBy)
}

func (svc *Service) upsert(ctx context.Context, sessionID, studentID string, status Status, markedBy string) (Record, error) {
	rec := Record{
		SessionID: sessionID,
		StudentID: studentID,
		Status:    status,
		MarkedBy:  markedBy,
		MarkedAt:  NowFunc().UTC(),
	}
	rec, err := svc.repo.UpsertRecord(ctx, rec)
	return rec, errors.Wrap(err, "upserting record")
}

// notifyUnsafe emails the marker a list of students whose buffer is exhausted
// after this roll call. Failures are swallowed; attendance facts are already
// persisted and the mail is advisory.
func (svc *Service) notifyUnsafe(ctx context.Context, sess ClassSession, recs []Record, notifyEmail string) {
	var unsafe []string
	for _, rec := range recs {
		res, err := svc.ComputeBuffer(ctx, rec.StudentID, sess.SubjectID)
		if err != nil || res.IsSafe {
			continue
		}
		unsafe = append(unsafe, fmt.Sprintf("%s: %.2f%% (buffer %d)", rec.StudentID, res.CurrentPct*100, res.BufferClasses))
	}
	if len(unsafe) == 0 {
		return
	}

	svc.mail.SendMessages(&core.EmailMessage{
		To:      []mail.Address{{Address: notifyEmail}},
		Subject: "Students below attendance threshold",
		BodyStr: fmt.Sprintf(
			"The following students are below the required attendance threshold after the %s session:\n\n%s\n",
			sess.ScheduledDate.Format("2006-01-02"), strings.Join(unsafe, "\n")),
	})
}

// CreateSession schedules a session with a fresh check-in code.
func (svc *Service) CreateSession(ctx context.Context, ns NewSession) (ClassSession, error) {
	if _, err := svc.repo.GetSubject(ctx, ns.SubjectID); err != nil {
		if errors.Cause(err) == ErrNotFound {
			return ClassSession{}, core.NewValidationError(err, core.FieldError{Field: "subject_id", Error: "unknown subject"})
		}
		return ClassSession{}, errors.Wrap(err, "getting subject")
	}

	now := NowFunc().UTC()
	sess := ClassSession{
		SubjectID:     ns.SubjectID,
		ScheduledDate: ns.ScheduledDate.UTC(),
		VenueLat:      ns.VenueLat,
		VenueLng:      ns.VenueLng,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	sess, err := svc.repo.CreateSession(ctx, sess)
	return sess, errors.Wrap(err, "creating session")
}

// CancelSession permanently excludes a session from attendance accounting.
func (svc *Service) CancelSession(ctx context.Context, id string) (ClassSession, error) {
	sess, err := svc.repo.CancelSession(ctx, id)
	return sess, errors.Wrap(err, "cancelling session")
}

func (svc *Service) QuerySessions(ctx context.Context, filter *SessionFilter, ordering []core.DBOrdering) ([]ClassSession, error) {
	return svc.repo.QuerySessions(ctx, filter, ordering)
}

func (svc *Service) GetSessionSummary(ctx context.Context, sessionID string) (SessionSummary, error) {
	if _, err := svc.repo.GetSessionByID(ctx, sessionID); err != nil {
		return SessionSummary{}, errors.Wrap(err, "getting session")
	}
	return svc.repo.SessionSummary(ctx, sessionID)
}

// GetThreshold returns the current term threshold, or the default when none is
// configured yet.
func (svc *Service) GetThreshold(ctx context.Context) (TermThreshold, error) {
	th, err := svc.repo.GetCurrentThreshold(ctx)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return TermThreshold{RequiredFraction: DefaultRequiredFraction, IsCurrent: true}, nil
		}
		return TermThreshold{}, errors.Wrap(err, "getting current threshold")
	}
	return th, nil
}

// SetThreshold makes st the single current term threshold.
func (svc *Service) SetThreshold(ctx context.Context, st SetThreshold) (TermThreshold, error) {
	now := NowFunc().UTC()
	th := TermThreshold{
		Term:             st.Term,
		RequiredFraction: st.RequiredFraction,
		IsCurrent:        true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	th, err := svc.repo.SetCurrentThreshold(ctx, th)
	return th, errors.Wrap(err, "setting current threshold")
}

// SetPlan upserts a subject's term plan.
func (svc *Service) SetPlan(ctx context.Context, subjectID string, sp SetPlan) (Subject, error) {
	now := NowFunc().UTC()
	sub := Subject{
		ID:                  subjectID,
		Code:                sp.Code,
		Name:                sp.Name,
		TotalClassesPlanned: sp.TotalClassesPlanned,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	sub, err := svc.repo.UpsertSubjectPlan(ctx, sub)
	return sub, errors.Wrap(err, "upserting subject plan")
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
