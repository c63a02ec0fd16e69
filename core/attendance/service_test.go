package attendance_test

import (
	"context"
	"testing"
	"time"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
	emailsvc "github.com/trezcool/mahudhurio/services/email"
	dummydb "github.com/trezcool/mahudhurio/storage/database/dummy"
)

var now = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*attendance.Service, attendance.Repository) {
	t.Helper()

	db, err := dummydb.Open()
	if err != nil {
		t.Fatalf("dummydb.Open() failed: %v", err)
	}
	repo := dummydb.NewAttendanceRepository(db)

	conf := core.NewConfig()
	conf.TestMode = true

	attendance.NowFunc = func() time.Time { return now }
	t.Cleanup(func() { attendance.NowFunc = time.Now })

	return attendance.NewService(repo, emailsvc.NewConsoleServiceMock(conf), conf), repo
}

// seedSubject creates a subject with a plan and n held (past) sessions.
func seedSubject(t *testing.T, svc *attendance.Service, planned, held int) (attendance.Subject, []attendance.ClassSession) {
	t.Helper()
	ctx := context.Background()

	sub, err := svc.SetPlan(ctx, "", attendance.SetPlan{Code: "phy101", Name: "Physics", TotalClassesPlanned: planned})
	if err != nil {
		t.Fatalf("SetPlan() failed: %v", err)
	}

	sessions := make([]attendance.ClassSession, 0, held)
	day := now.AddDate(0, 0, -held)
	for i := 0; i < held; i++ {
		sess, err := svc.CreateSession(ctx, attendance.NewSession{SubjectID: sub.ID, ScheduledDate: day})
		if err != nil {
			t.Fatalf("CreateSession() failed: %v", err)
		}
		sessions = append(sessions, sess)
		day = day.AddDate(0, 0, 1)
	}
	return sub, sessions
}

func TestService_GetThreshold_default(t *testing.T) {
	svc, _ := setup(t)

	th, err := svc.GetThreshold(context.Background())
	if err != nil {
		t.Fatalf("GetThreshold() failed: %v", err)
	}
	if th.RequiredFraction != attendance.DefaultRequiredFraction {
		t.Errorf("RequiredFraction = %v, want %v", th.RequiredFraction, attendance.DefaultRequiredFraction)
	}
}

func TestService_SetThreshold_replacesCurrent(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	if _, err := svc.SetThreshold(ctx, attendance.SetThreshold{Term: "2025T1", RequiredFraction: 0.8}); err != nil {
		t.Fatalf("SetThreshold() failed: %v", err)
	}
	if _, err := svc.SetThreshold(ctx, attendance.SetThreshold{Term: "2025T2", RequiredFraction: 0.7}); err != nil {
		t.Fatalf("SetThreshold() failed: %v", err)
	}

	th, err := svc.GetThreshold(ctx)
	if err != nil {
		t.Fatalf("GetThreshold() failed: %v", err)
	}
	if th.Term != "2025T2" || th.RequiredFraction != 0.7 {
		t.Errorf("current threshold = %+v, want term 2025T2 fraction 0.7", th)
	}
}

func TestService_CheckIn(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	_, sessions := seedSubject(t, svc, 40, 3)

	t.Run("geo unverified is rejected", func(t *testing.T) {
		_, err := svc.CheckIn(ctx, "student1", attendance.CheckIn{SessionCode: sessions[0].Code})
		if !core.IsValidationError(err) {
			t.Errorf("CheckIn() error = %v, want validation error", err)
		}
	})

	t.Run("unknown code is rejected", func(t *testing.T) {
		_, err := svc.CheckIn(ctx, "student1", attendance.CheckIn{SessionCode: "nope", GeoVerified: true})
		if !core.IsValidationError(err) {
			t.Errorf("CheckIn() error = %v, want validation error", err)
		}
	})

	t.Run("cancelled session is rejected", func(t *testing.T) {
		if _, err := svc.CancelSession(ctx, sessions[2].ID); err != nil {
			t.Fatalf("CancelSession() failed: %v", err)
		}
		_, err := svc.CheckIn(ctx, "student1", attendance.CheckIn{SessionCode: sessions[2].Code, GeoVerified: true})
		if !core.IsValidationError(err) {
			t.Errorf("CheckIn() error = %v, want validation error", err)
		}
	})

	t.Run("future session is rejected", func(t *testing.T) {
		sub, _ := seedSubject(t, svc, 40, 0)
		sess, err := svc.CreateSession(ctx, attendance.NewSession{SubjectID: sub.ID, ScheduledDate: now.AddDate(0, 0, 7)})
		if err != nil {
			t.Fatalf("CreateSession() failed: %v", err)
		}
		_, err = svc.CheckIn(ctx, "student1", attendance.CheckIn{SessionCode: sess.Code, GeoVerified: true})
		if !core.IsValidationError(err) {
			t.Errorf("CheckIn() error = %v, want validation error", err)
		}
	})

	t.Run("ok", func(t *testing.T) {
		rec, err := svc.CheckIn(ctx, "student1", attendance.CheckIn{SessionCode: sessions[0].Code, GeoVerified: true})
		if err != nil {
			t.Fatalf("CheckIn() failed: %v", err)
		}
		if rec.Status != attendance.StatusPresent {
			t.Errorf("Status = %v, want %v", rec.Status, attendance.StatusPresent)
		}
		if rec.MarkedBy != "student1" {
			t.Errorf("MarkedBy = %v, want student1", rec.MarkedBy)
		}
	})
}

func TestService_MarkSession_correctsOnResubmit(t *testing.T) {
	svc, repo := setup(t)
	ctx := context.Background()
	_, sessions := seedSubject(t, svc, 40, 1)
	sess := sessions[0]

	studentID := "3290d3f4-0b6c-4b79-8342-2a5ac2b33f35"
	marks := attendance.BulkMark{Marks: []attendance.StudentMark{{StudentID: studentID, Status: attendance.StatusAbsent}}}
	if _, err := svc.MarkSession(ctx, sess.ID, "teacher1", "", marks); err != nil {
		t.Fatalf("MarkSession() failed: %v", err)
	}

	// re-submission corrects the earlier mark instead of duplicating it
	marks.Marks[0].Status = attendance.StatusPresent
	recs, err := svc.MarkSession(ctx, sess.ID, "teacher1", "", marks)
	if err != nil {
		t.Fatalf("MarkSession() failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len(recs) = %d, want 1", len(recs))
	}
	if recs[0].Status != attendance.StatusPresent {
		t.Errorf("Status = %v, want %v", recs[0].Status, attendance.StatusPresent)
	}

	summary, err := repo.SessionSummary(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionSummary() failed: %v", err)
	}
	if summary.Total != 1 || summary.Present != 1 || summary.Absent != 0 {
		t.Errorf("summary = %+v, want exactly one present record", summary)
	}
}

func TestService_MarkSession_cancelledSession(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	_, sessions := seedSubject(t, svc, 40, 1)

	if _, err := svc.CancelSession(ctx, sessions[0].ID); err != nil {
		t.Fatalf("CancelSession() failed: %v", err)
	}

	marks := attendance.BulkMark{Marks: []attendance.StudentMark{{StudentID: "3290d3f4-0b6c-4b79-8342-2a5ac2b33f35", Status: attendance.StatusPresent}}}
	_, err := svc.MarkSession(ctx, sessions[0].ID, "teacher1", "", marks)
	if !core.IsValidationError(err) {
		t.Errorf("MarkSession() error = %v, want validation error", err)
	}
}

func TestService_MarkSession_notifiesOnUnsafeStudents(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	_, sessions := seedSubject(t, svc, 10, 8)

	if _, err := svc.SetThreshold(ctx, attendance.SetThreshold{Term: "2025T1", RequiredFraction: 0.75}); err != nil {
		t.Fatalf("SetThreshold() failed: %v", err)
	}

	before := len(emailsvc.SentMessages)

	// 8 absences out of 8 held leaves the student with no buffer
	studentID := "3290d3f4-0b6c-4b79-8342-2a5ac2b33f35"
	for _, sess := range sessions {
		marks := attendance.BulkMark{Marks: []attendance.StudentMark{{StudentID: studentID, Status: attendance.StatusAbsent}}}
		if _, err := svc.MarkSession(ctx, sess.ID, "teacher1", "teacher1@example.com", marks); err != nil {
			t.Fatalf("MarkSession() failed: %v", err)
		}
	}

	if len(emailsvc.SentMessages) <= before {
		t.Fatal("expected a low-attendance alert email, got none")
	}
	msg := emailsvc.SentMessages[len(emailsvc.SentMessages)-1]
	if msg.To[0].Address != "teacher1@example.com" {
		t.Errorf("alert sent to %q, want teacher1@example.com", msg.To[0].Address)
	}
}

func TestService_ApproveOD_countsAsPresent(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	sub, sessions := seedSubject(t, svc, 40, 2)

	studentID := "3290d3f4-0b6c-4b79-8342-2a5ac2b33f35"
	rec, err := svc.ApproveOD(ctx, "teacher1", attendance.ODApproval{StudentID: studentID, SessionID: sessions[0].ID, Reason: "sports meet"})
	if err != nil {
		t.Fatalf("ApproveOD() failed: %v", err)
	}
	if rec.Status != attendance.StatusOnDuty {
		t.Errorf("Status = %v, want %v", rec.Status, attendance.StatusOnDuty)
	}

	res, err := svc.ComputeBuffer(ctx, studentID, sub.ID)
	if err != nil {
		t.Fatalf("ComputeBuffer() failed: %v", err)
	}
	if res.PresentCount != 1 {
		t.Errorf("PresentCount = %d, want 1 (OD counts as present)", res.PresentCount)
	}
}

func TestService_ComputeBuffer_cancelledSessionsExcluded(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	sub, sessions := seedSubject(t, svc, 40, 3)

	studentID := "3290d3f4-0b6c-4b79-8342-2a5ac2b33f35"
	for _, sess := range sessions {
		marks := attendance.BulkMark{Marks: []attendance.StudentMark{{StudentID: studentID, Status: attendance.StatusPresent}}}
		if _, err := svc.MarkSession(ctx, sess.ID, "teacher1", "", marks); err != nil {
			t.Fatalf("MarkSession() failed: %v", err)
		}
	}

	if _, err := svc.CancelSession(ctx, sessions[1].ID); err != nil {
		t.Fatalf("CancelSession() failed: %v", err)
	}

	res, err := svc.ComputeBuffer(ctx, studentID, sub.ID)
	if err != nil {
		t.Fatalf("ComputeBuffer() failed: %v", err)
	}
	// the cancelled session leaves both counts
	if res.HeldCount != 2 || res.PresentCount != 2 {
		t.Errorf("HeldCount = %d, PresentCount = %d, want 2 and 2", res.HeldCount, res.PresentCount)
	}
	if res.CurrentPct != 1 {
		t.Errorf("CurrentPct = %v, want 1", res.CurrentPct)
	}
}

func TestService_ComputeTrend(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()
	sub, _ := seedSubject(t, svc, 40, 0)

	studentID := "3290d3f4-0b6c-4b79-8342-2a5ac2b33f35"
	dates := []struct {
		day    time.Time
		status attendance.Status
	}{
		{time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC), attendance.StatusPresent},
		{time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC), attendance.StatusAbsent},
		{time.Date(2025, 1, 13, 9, 0, 0, 0, time.UTC), attendance.StatusPresent},
	}
	for _, d := range dates {
		sess, err := svc.CreateSession(ctx, attendance.NewSession{SubjectID: sub.ID, ScheduledDate: d.day})
		if err != nil {
			t.Fatalf("CreateSession() failed: %v", err)
		}
		marks := attendance.BulkMark{Marks: []attendance.StudentMark{{StudentID: studentID, Status: d.status}}}
		if _, err := svc.MarkSession(ctx, sess.ID, "teacher1", "", marks); err != nil {
			t.Fatalf("MarkSession() failed: %v", err)
		}
	}

	points, err := svc.ComputeTrend(ctx, studentID)
	if err != nil {
		t.Fatalf("ComputeTrend() failed: %v", err)
	}
	want := []attendance.TrendPoint{
		{Week: "Week 1", Pct: 0.5, Projected: 0.5},
		{Week: "Week 2", Pct: 0.67, Projected: 0.67},
	}
	if len(points) != len(want) {
		t.Fatalf("ComputeTrend() = %+v, want %+v", points, want)
	}
	for i := range points {
		if points[i] != want[i] {
			t.Errorf("checkpoint %d = %+v, want %+v", i, points[i], want[i])
		}
	}
}
