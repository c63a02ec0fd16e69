package attendance

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/mahudhurio/core"
)

// DefaultRequiredFraction applies when no term threshold has been configured yet,
// so the feature stays usable during initial setup.
const DefaultRequiredFraction = 0.75

// Status is the attendance status of a student for a single class session.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusOnDuty  Status = "on_duty"
	StatusMedical Status = "medical"
)

var AllStatuses = []Status{StatusPresent, StatusAbsent, StatusOnDuty, StatusMedical}

// Valid returns true when the status is a supported value.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusOnDuty, StatusMedical:
		return true
	default:
		return false
	}
}

// CountsPresent is the single classification rule shared by the buffer calculator
// and the trend aggregator: only present and approved on-duty records count as
// attended. Medical absences are tracked but do not count.
func (s Status) CountsPresent() bool {
	return s == StatusPresent || s == StatusOnDuty
}

type (
	// TermThreshold is the minimum required attendance fraction for an academic
	// term. Exactly one threshold is current at a time.
	TermThreshold struct {
		ID               string    `json:"id"`
		Term             string    `json:"term"`
		RequiredFraction float64   `json:"required_fraction"`
		IsCurrent        bool      `json:"is_current"`
		CreatedAt        time.Time `json:"created_at"` // UTC
		UpdatedAt        time.Time `json:"updated_at"` // UTC
	}

	// Subject is a taught subject together with its term plan.
	Subject struct {
		ID                  string    `json:"id"`
		Code                string    `json:"code"`
		Name                string    `json:"name"`
		TotalClassesPlanned int       `json:"total_classes_planned"` // >= 0
		CreatedAt           time.Time `json:"created_at"`            // UTC
		UpdatedAt           time.Time `json:"updated_at"`            // UTC
	}

	// ClassSession is a scheduled occurrence of a subject. A session counts as
	// "held" only once its date has passed and it was not cancelled; cancelled
	// sessions leave both numerator and denominator for good.
	ClassSession struct {
		ID            string    `json:"id"`
		SubjectID     string    `json:"subject_id"`
		Code          string    `json:"code"` // QR check-in token
		ScheduledDate time.Time `json:"scheduled_date"`
		VenueLat      float64   `json:"venue_lat,omitempty"`
		VenueLng      float64   `json:"venue_lng,omitempty"`
		IsCancelled   bool      `json:"is_cancelled"`
		CreatedAt     time.Time `json:"created_at"` // UTC
		UpdatedAt     time.Time `json:"updated_at"` // UTC
	}

	// Record is one attendance fact per (student, session) pair. Mutated only via
	// upsert (status correction), never deleted.
	Record struct {
		ID        string    `json:"id"`
		SessionID string    `json:"session_id"`
		StudentID string    `json:"student_id"`
		Status    Status    `json:"status"`
		MarkedBy  string    `json:"marked_by"`
		MarkedAt  time.Time `json:"marked_at"` // UTC
	}

	// HistoryRecord is one element of a student's chronological attendance stream.
	HistoryRecord struct {
		Status        Status    `json:"status"`
		EffectiveDate time.Time `json:"effective_date"` // session date, else marked timestamp
	}

	// BufferResult is the computed safe-to-miss budget for one (student, subject).
	// Pure derived value; recomputed on every request from source facts.
	BufferResult struct {
		PresentCount  int     `json:"present_count"`
		HeldCount     int     `json:"held_count"`
		TotalPlanned  int     `json:"total_planned"`
		CurrentPct    float64 `json:"current_pct"`
		BufferClasses int     `json:"buffer_classes"`
		ProjectedPct  float64 `json:"projected_pct"`
		IsSafe        bool    `json:"is_safe"`
	}

	// TrendPoint is one cumulative checkpoint of a student's attendance trend,
	// one per distinct calendar week encountered.
	TrendPoint struct {
		Week      string  `json:"week"`
		Pct       float64 `json:"pct"`
		Projected float64 `json:"projected"`
	}

	// SessionSummary is a per-session roll call breakdown for faculty dashboards.
	SessionSummary struct {
		SessionID string `json:"session_id"`
		Present   int    `json:"present"`
		Absent    int    `json:"absent"`
		OnDuty    int    `json:"on_duty"`
		Medical   int    `json:"medical"`
		Total     int    `json:"total"`
	}
)

// Forms

// CheckIn is a student's self check-in: the session QR token plus the client's
// geofence verdict. Geofence math itself is owned by the client/mapping layer.
type CheckIn struct {
	SessionCode string `json:"session_code" validate:"required"`
	GeoVerified bool   `json:"geo_verified"`
}

func (ci *CheckIn) Validate(validate *validator.Validate) error {
	ci.SessionCode = core.CleanString(ci.SessionCode)
	return validate.Struct(ci)
}

// StudentMark is one student's status within a faculty bulk mark.
type StudentMark struct {
	StudentID string `json:"student_id" validate:"required,uuid4"`
	Status    Status `json:"status" validate:"required,attstatus"`
}

// BulkMark is a faculty roll call for one session; records are upserted, so a
// re-submission corrects earlier statuses instead of duplicating them.
type BulkMark struct {
	Marks []StudentMark `json:"marks" validate:"required,min=1,dive"`
}

func (bm *BulkMark) Validate(validate *validator.Validate) error {
	return validate.Struct(bm)
}

// ODApproval records an approved on-duty exemption; the resulting record counts
// as present for buffer purposes.
type ODApproval struct {
	StudentID string `json:"student_id" validate:"required,uuid4"`
	SessionID string `json:"session_id" validate:"required,uuid4"`
	Reason    string `json:"reason"`
}

func (od *ODApproval) Validate(validate *validator.Validate) error {
	od.Reason = core.CleanString(od.Reason)
	return validate.Struct(od)
}

// NewSession schedules a class session.
type NewSession struct {
	SubjectID     string    `json:"subject_id" validate:"required,uuid4"`
	ScheduledDate time.Time `json:"scheduled_date" validate:"required"`
	VenueLat      float64   `json:"venue_lat" validate:"omitempty,latitude"`
	VenueLng      float64   `json:"venue_lng" validate:"omitempty,longitude"`
}

func (ns *NewSession) Validate(validate *validator.Validate) error {
	return validate.Struct(ns)
}

// SetThreshold sets the current term threshold.
type SetThreshold struct {
	Term             string  `json:"term" validate:"required,alphanum_"`
	RequiredFraction float64 `json:"required_fraction" validate:"required,gt=0,lte=1"`
}

func (st *SetThreshold) Validate(validate *validator.Validate) error {
	st.Term = core.CleanString(st.Term)
	return validate.Struct(st)
}

// SetPlan sets a subject's term class target.
type SetPlan struct {
	Code                string `json:"code" validate:"omitempty,alphanum_"`
	Name                string `json:"name"`
	TotalClassesPlanned int    `json:"total_classes_planned" validate:"gte=0"`
}

func (sp *SetPlan) Validate(validate *validator.Validate) error {
	sp.Code = core.CleanString(sp.Code, true /* lower */)
	sp.Name = core.CleanString(sp.Name)
	return validate.Struct(sp)
}

// SessionFilter scopes session queries.
type SessionFilter struct {
	SubjectID        string
	From             time.Time
	To               time.Time
	IncludeCancelled bool
}

func (sf *SessionFilter) IsEmpty() bool {
	return sf.SubjectID == "" && sf.From.IsZero() && sf.To.IsZero() && !sf.IncludeCancelled
}

func (sf *SessionFilter) Clean() {
	sf.SubjectID = core.CleanString(sf.SubjectID)
}
