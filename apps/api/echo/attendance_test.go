package echoapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/trezcool/mahudhurio/core/attendance"
)

const studentID = "3290d3f4-0b6c-4b79-8342-2a5ac2b33f35"

// seedSubject creates a subject with a plan and held past sessions, marking the
// student present for the first presentCount of them.
func seedSubject(t *testing.T, svc *attendance.Service, planned, held, presentCount int) (attendance.Subject, []attendance.ClassSession) {
	t.Helper()
	ctx := context.Background()

	sub, err := svc.SetPlan(ctx, "", attendance.SetPlan{Code: "phy101", Name: "Physics", TotalClassesPlanned: planned})
	if err != nil {
		t.Fatalf("SetPlan() failed: %v", err)
	}

	sessions := make([]attendance.ClassSession, 0, held)
	day := time.Now().UTC().AddDate(0, 0, -held)
	for i := 0; i < held; i++ {
		sess, err := svc.CreateSession(ctx, attendance.NewSession{SubjectID: sub.ID, ScheduledDate: day})
		if err != nil {
			t.Fatalf("CreateSession() failed: %v", err)
		}
		sessions = append(sessions, sess)

		status := attendance.StatusAbsent
		if i < presentCount {
			status = attendance.StatusPresent
		}
		marks := attendance.BulkMark{Marks: []attendance.StudentMark{{StudentID: studentID, Status: status}}}
		if _, err = svc.MarkSession(ctx, sess.ID, "teacher1", "", marks); err != nil {
			t.Fatalf("MarkSession() failed: %v", err)
		}
		day = day.AddDate(0, 0, 1)
	}
	return sub, sessions
}

func Test_attendanceApi_buffer(t *testing.T) {
	server, svc, conf := initServer(t)
	sub, _ := seedSubject(t, svc, 40, 20, 18)

	studentToken := getToken(t, studentClaims(studentID), conf)
	teacherToken := getToken(t, teacherClaims("teacher1"), conf)

	wantBuffer := marchallObj(t, attendance.BufferResult{
		PresentCount:  18,
		HeldCount:     20,
		TotalPlanned:  40,
		CurrentPct:    0.9,
		BufferClasses: 8,
		ProjectedPct:  0.95,
		IsSafe:        true,
	})

	path := fmt.Sprintf("/v1/attendance/subjects/%s/buffer", sub.ID)
	tests := []httpTest{
		{name: "no token", method: http.MethodGet, path: path, wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{name: "student gets own buffer", method: http.MethodGet, path: path, token: studentToken, wantCode: http.StatusOK, wantData: wantBuffer},
		{name: "teacher must name a student", method: http.MethodGet, path: path, token: teacherToken, wantCode: http.StatusBadRequest},
		{name: "teacher gets student buffer", method: http.MethodGet, path: path + "?student_id=" + studentID, token: teacherToken, wantCode: http.StatusOK, wantData: wantBuffer},
		{name: "unknown subject has zero plan", method: http.MethodGet, path: "/v1/attendance/subjects/unknown/buffer", token: studentToken, wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token)
			server.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_attendanceApi_trend(t *testing.T) {
	server, svc, conf := initServer(t)
	seedSubject(t, svc, 40, 10, 5)

	studentToken := getToken(t, studentClaims(studentID), conf)

	req, rec := newAuthRequest(http.MethodGet, "/v1/attendance/trend", studentToken)
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %v, want %v; body %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var points []attendance.TrendPoint
	if err := json.Unmarshal(rec.Body.Bytes(), &points); err != nil {
		t.Fatalf("unmarshalling trend: %v", err)
	}
	if len(points) == 0 {
		t.Fatal("expected at least one trend checkpoint")
	}
	last := points[len(points)-1]
	if last.Pct != 0.5 {
		t.Errorf("final cumulative pct = %v, want 0.5", last.Pct)
	}
}

func Test_attendanceApi_checkIn(t *testing.T) {
	server, svc, conf := initServer(t)
	_, sessions := seedSubject(t, svc, 40, 3, 0)

	cancelled, err := svc.CancelSession(context.Background(), sessions[2].ID)
	if err != nil {
		t.Fatalf("CancelSession() failed: %v", err)
	}

	studentToken := getToken(t, studentClaims(studentID), conf)
	teacherToken := getToken(t, teacherClaims("teacher1"), conf)

	tests := []httpTest{
		{name: "no token", method: http.MethodPost, path: "/v1/attendance/check-in", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{name: "teacher cannot check in", method: http.MethodPost, path: "/v1/attendance/check-in", token: teacherToken,
			body: marchallObj(t, attendance.CheckIn{SessionCode: sessions[0].Code, GeoVerified: true}), wantCode: http.StatusForbidden},
		{name: "missing session code", method: http.MethodPost, path: "/v1/attendance/check-in", token: studentToken,
			body: marchallObj(t, attendance.CheckIn{GeoVerified: true}), wantCode: http.StatusBadRequest},
		{name: "geo unverified", method: http.MethodPost, path: "/v1/attendance/check-in", token: studentToken,
			body: marchallObj(t, attendance.CheckIn{SessionCode: sessions[0].Code}), wantCode: http.StatusBadRequest},
		{name: "unknown session code", method: http.MethodPost, path: "/v1/attendance/check-in", token: studentToken,
			body: marchallObj(t, attendance.CheckIn{SessionCode: "nope", GeoVerified: true}), wantCode: http.StatusBadRequest},
		{name: "cancelled session", method: http.MethodPost, path: "/v1/attendance/check-in", token: studentToken,
			body: marchallObj(t, attendance.CheckIn{SessionCode: cancelled.Code, GeoVerified: true}), wantCode: http.StatusBadRequest},
		{name: "ok", method: http.MethodPost, path: "/v1/attendance/check-in", token: studentToken,
			body: marchallObj(t, attendance.CheckIn{SessionCode: sessions[0].Code, GeoVerified: true}), wantCode: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			server.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_attendanceApi_sessions(t *testing.T) {
	server, svc, conf := initServer(t)
	sub, sessions := seedSubject(t, svc, 40, 2, 1)

	studentToken := getToken(t, studentClaims(studentID), conf)
	teacherToken := getToken(t, teacherClaims("teacher1"), conf)

	newSessBody := marchallObj(t, attendance.NewSession{SubjectID: sub.ID, ScheduledDate: time.Now().UTC().AddDate(0, 0, 1)})
	markBody := marchallObj(t, attendance.BulkMark{Marks: []attendance.StudentMark{{StudentID: studentID, Status: attendance.StatusMedical}}})

	tests := []httpTest{
		{name: "student cannot list sessions", method: http.MethodGet, path: "/v1/attendance/sessions", token: studentToken, wantCode: http.StatusForbidden},
		{name: "teacher lists sessions", method: http.MethodGet, path: "/v1/attendance/sessions?subject_id=" + sub.ID, token: teacherToken, wantCode: http.StatusOK},
		{name: "teacher lists sessions descending", method: http.MethodGet, path: "/v1/attendance/sessions?ordering=-scheduled_date", token: teacherToken, wantCode: http.StatusOK},
		{name: "student cannot create session", method: http.MethodPost, path: "/v1/attendance/sessions", token: studentToken, body: newSessBody, wantCode: http.StatusForbidden},
		{name: "teacher creates session", method: http.MethodPost, path: "/v1/attendance/sessions", token: teacherToken, body: newSessBody, wantCode: http.StatusCreated},
		{name: "create with unknown subject", method: http.MethodPost, path: "/v1/attendance/sessions", token: teacherToken,
			body: marchallObj(t, attendance.NewSession{SubjectID: "79a4dcc4-9d43-43c1-a2ed-e505ccbdcc15", ScheduledDate: time.Now().UTC()}), wantCode: http.StatusBadRequest},
		{name: "teacher marks session", method: http.MethodPost, path: "/v1/attendance/sessions/" + sessions[0].ID + "/mark", token: teacherToken, body: markBody, wantCode: http.StatusOK},
		{name: "mark unknown session", method: http.MethodPost, path: "/v1/attendance/sessions/79a4dcc4-9d43-43c1-a2ed-e505ccbdcc15/mark", token: teacherToken, body: markBody, wantCode: http.StatusNotFound},
		{name: "mark with empty marks", method: http.MethodPost, path: "/v1/attendance/sessions/" + sessions[0].ID + "/mark", token: teacherToken,
			body: marchallObj(t, attendance.BulkMark{}), wantCode: http.StatusBadRequest},
		{name: "teacher gets summary", method: http.MethodGet, path: "/v1/attendance/sessions/" + sessions[0].ID + "/summary", token: teacherToken, wantCode: http.StatusOK},
		{name: "teacher cancels session", method: http.MethodPost, path: "/v1/attendance/sessions/" + sessions[1].ID + "/cancel", token: teacherToken, wantCode: http.StatusOK},
		{name: "cancel unknown session", method: http.MethodPost, path: "/v1/attendance/sessions/79a4dcc4-9d43-43c1-a2ed-e505ccbdcc15/cancel", token: teacherToken, wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			server.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_attendanceApi_odApprovals(t *testing.T) {
	server, svc, conf := initServer(t)
	_, sessions := seedSubject(t, svc, 40, 1, 0)

	studentToken := getToken(t, studentClaims(studentID), conf)
	teacherToken := getToken(t, teacherClaims("teacher1"), conf)

	body := marchallObj(t, attendance.ODApproval{StudentID: studentID, SessionID: sessions[0].ID, Reason: "sports meet"})

	tests := []httpTest{
		{name: "student cannot approve", method: http.MethodPost, path: "/v1/attendance/od-approvals", token: studentToken, body: body, wantCode: http.StatusForbidden},
		{name: "unknown session", method: http.MethodPost, path: "/v1/attendance/od-approvals", token: teacherToken,
			body: marchallObj(t, attendance.ODApproval{StudentID: studentID, SessionID: "79a4dcc4-9d43-43c1-a2ed-e505ccbdcc15"}), wantCode: http.StatusBadRequest},
		{name: "ok", method: http.MethodPost, path: "/v1/attendance/od-approvals", token: teacherToken, body: body, wantCode: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			server.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_attendanceApi_threshold(t *testing.T) {
	server, _, conf := initServer(t)

	studentToken := getToken(t, studentClaims(studentID), conf)
	teacherToken := getToken(t, teacherClaims("teacher1"), conf)
	adminToken := getToken(t, adminClaims("admin1"), conf)

	body := marchallObj(t, attendance.SetThreshold{Term: "2025T1", RequiredFraction: 0.8})

	tests := []httpTest{
		{name: "default threshold", method: http.MethodGet, path: "/v1/attendance/threshold", token: studentToken, wantCode: http.StatusOK},
		{name: "student cannot set", method: http.MethodPut, path: "/v1/attendance/threshold", token: studentToken, body: body, wantCode: http.StatusForbidden},
		{name: "teacher cannot set", method: http.MethodPut, path: "/v1/attendance/threshold", token: teacherToken, body: body, wantCode: http.StatusForbidden},
		{name: "fraction out of range", method: http.MethodPut, path: "/v1/attendance/threshold", token: adminToken,
			body: marchallObj(t, attendance.SetThreshold{Term: "2025T1", RequiredFraction: 1.5}), wantCode: http.StatusBadRequest},
		{name: "admin sets threshold", method: http.MethodPut, path: "/v1/attendance/threshold", token: adminToken, body: body, wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			server.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	// the new threshold is now served back
	req, rec := newAuthRequest(http.MethodGet, "/v1/attendance/threshold", studentToken)
	server.ServeHTTP(rec, req)
	var th attendance.TermThreshold
	if err := json.Unmarshal(rec.Body.Bytes(), &th); err != nil {
		t.Fatalf("unmarshalling threshold: %v", err)
	}
	if th.Term != "2025T1" || th.RequiredFraction != 0.8 {
		t.Errorf("threshold = %+v, want term 2025T1 fraction 0.8", th)
	}
}

func Test_attendanceApi_setPlan(t *testing.T) {
	server, _, conf := initServer(t)

	teacherToken := getToken(t, teacherClaims("teacher1"), conf)
	adminToken := getToken(t, adminClaims("admin1"), conf)

	body := marchallObj(t, attendance.SetPlan{Code: "phy101", Name: "Physics", TotalClassesPlanned: 40})

	tests := []httpTest{
		{name: "teacher cannot set plan", method: http.MethodPut, path: "/v1/attendance/subjects/sub1/plan", token: teacherToken, body: body, wantCode: http.StatusForbidden},
		{name: "negative total", method: http.MethodPut, path: "/v1/attendance/subjects/sub1/plan", token: adminToken,
			body: marchallObj(t, attendance.SetPlan{TotalClassesPlanned: -1}), wantCode: http.StatusBadRequest},
		{name: "admin sets plan", method: http.MethodPut, path: "/v1/attendance/subjects/sub1/plan", token: adminToken, body: body, wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			server.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}
