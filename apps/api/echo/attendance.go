package echoapi

import (
	"net/http"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
)

type attendanceApi struct {
	svc        *attendance.Service
	validate   *validator.Validate
	translator ut.Translator
}

func registerAttendanceAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc *attendance.Service,
	validate *validator.Validate,
	translator ut.Translator,
) {
	api := attendanceApi{
		svc:        svc,
		validate:   validate,
		translator: translator,
	}

	ag := g.Group("/attendance", jwt)

	// student endpoints; staff may query another student via ?student_id
	ag.GET("/subjects/:id/buffer", api.buffer)
	ag.GET("/trend", api.trend)
	ag.POST("/check-in", api.checkIn, studentMiddleware())

	// faculty endpoints
	sg := ag.Group("/sessions", teacherMiddleware())
	sg.POST("", api.createSession)
	sg.GET("", api.querySessions)
	sg.POST("/:id/cancel", api.cancelSession)
	sg.POST("/:id/mark", api.markSession)
	sg.GET("/:id/summary", api.sessionSummary)

	ag.POST("/od-approvals", api.approveOD, teacherMiddleware())

	// admin endpoints
	ag.GET("/threshold", api.getThreshold)
	ag.PUT("/threshold", api.setThreshold, adminMiddleware())
	ag.PUT("/subjects/:id/plan", api.setPlan, adminMiddleware())
}

// resolveStudentID determines whose records a read-only endpoint serves.
// Students always get their own; staff must name a student via ?student_id.
func (api *attendanceApi) resolveStudentID(ctx echo.Context) (string, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return "", errors.Wrap(err, "getting context claims")
	}
	if claims.IsStudent {
		return claims.Subject, nil
	}
	if claims.IsTeacher || claims.IsAdmin {
		if sid := core.CleanString(ctx.QueryParam("student_id")); sid != "" {
			return sid, nil
		}
		return "", core.NewValidationError(nil, core.FieldError{Field: "student_id", Error: "this field is required"})
	}
	return "", errHttpForbidden
}

// Handlers

func (api *attendanceApi) buffer(ctx echo.Context) error {
	studentID, err := api.resolveStudentID(ctx)
	if err != nil {
		return err
	}

	res, err := api.svc.ComputeBuffer(ctx.Request().Context(), studentID, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "computing buffer")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *attendanceApi) trend(ctx echo.Context) error {
	studentID, err := api.resolveStudentID(ctx)
	if err != nil {
		return err
	}

	points, err := api.svc.ComputeTrend(ctx.Request().Context(), studentID)
	if err != nil {
		return errors.Wrap(err, "computing trend")
	}
	return ctx.JSON(http.StatusOK, points)
}

func (api *attendanceApi) checkIn(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data attendance.CheckIn
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CheckIn")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	rec, err := api.svc.CheckIn(ctx.Request().Context(), claims.Subject, data)
	if err != nil {
		if core.IsValidationError(errors.Cause(err)) {
			return err
		}
		return errors.Wrap(err, "checking in")
	}
	return ctx.JSON(http.StatusCreated, rec)
}

func (api *attendanceApi) createSession(ctx echo.Context) error {
	var data attendance.NewSession
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSession")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	sess, err := api.svc.CreateSession(ctx.Request().Context(), data)
	if err != nil {
		if core.IsValidationError(errors.Cause(err)) {
			return err
		}
		return errors.Wrap(err, "creating session")
	}
	return ctx.JSON(http.StatusCreated, sess)
}

func (api *attendanceApi) querySessions(ctx echo.Context) error {
	filter, err := bindSessionFilter(ctx)
	if err != nil {
		return err
	}

	var ordering Ordering
	ordering.Bind(ctx)

	var fltr *attendance.SessionFilter
	if !filter.IsEmpty() {
		fltr = &filter
	}
	sessions, err := api.svc.QuerySessions(ctx.Request().Context(), fltr, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying sessions")
	}
	return ctx.JSON(http.StatusOK, sessions)
}

// bindSessionFilter binds the session list query params; from/to are RFC 3339.
func bindSessionFilter(ctx echo.Context) (attendance.SessionFilter, error) {
	var filter attendance.SessionFilter
	filter.SubjectID = ctx.QueryParam("subject_id")
	filter.IncludeCancelled = ctx.QueryParam("include_cancelled") == "true"

	for param, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if val := ctx.QueryParam(param); val != "" {
			t, err := time.Parse(time.RFC3339, val)
			if err != nil {
				return filter, core.NewValidationError(nil, core.FieldError{Field: param, Error: "must be a valid RFC 3339 timestamp"})
			}
			*dst = t
		}
	}
	filter.Clean()
	return filter, nil
}

func (api *attendanceApi) cancelSession(ctx echo.Context) error {
	sess, err := api.svc.CancelSession(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == attendance.ErrNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "cancelling session")
	}
	return ctx.JSON(http.StatusOK, sess)
}

func (api *attendanceApi) markSession(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data attendance.BulkMark
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to BulkMark")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	recs, err := api.svc.MarkSession(ctx.Request().Context(), ctx.Param("id"), claims.Subject, claims.Email, data)
	if err != nil {
		if errors.Cause(err) == attendance.ErrNotFound {
			return errHttpNotFound
		}
		if core.IsValidationError(errors.Cause(err)) {
			return err
		}
		return errors.Wrap(err, "marking session")
	}
	return ctx.JSON(http.StatusOK, recs)
}

func (api *attendanceApi) sessionSummary(ctx echo.Context) error {
	summary, err := api.svc.GetSessionSummary(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == attendance.ErrNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "getting session summary")
	}
	return ctx.JSON(http.StatusOK, summary)
}

func (api *attendanceApi) approveOD(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	var data attendance.ODApproval
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ODApproval")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	rec, err := api.svc.ApproveOD(ctx.Request().Context(), claims.Subject, data)
	if err != nil {
		if core.IsValidationError(errors.Cause(err)) {
			return err
		}
		return errors.Wrap(err, "approving OD")
	}
	return ctx.JSON(http.StatusCreated, rec)
}

func (api *attendanceApi) getThreshold(ctx echo.Context) error {
	th, err := api.svc.GetThreshold(ctx.Request().Context())
	if err != nil {
		return errors.Wrap(err, "getting threshold")
	}
	return ctx.JSON(http.StatusOK, th)
}

func (api *attendanceApi) setThreshold(ctx echo.Context) error {
	var data attendance.SetThreshold
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SetThreshold")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	th, err := api.svc.SetThreshold(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "setting threshold")
	}
	return ctx.JSON(http.StatusOK, th)
}

func (api *attendanceApi) setPlan(ctx echo.Context) error {
	var data attendance.SetPlan
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SetPlan")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	sub, err := api.svc.SetPlan(ctx.Request().Context(), ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "setting subject plan")
	}
	return ctx.JSON(http.StatusOK, sub)
}
