package schema

import (
	"time"

	"github.com/google/uuid"
)

// User levels. Level is the single privilege tier attached to a user:
// 1-2 are view only, 3 can create/edit their own plans, 4 can review and
// manage their school, 5 can manage everything including ownership transfers.
const (
	LevelViewer      = 1
	LevelStaff       = 2
	LevelEditor      = 3
	LevelPrincipal   = 4
	LevelSuperAdmin  = 5
	DefaultUserLevel = LevelEditor
)

const (
	Draft       = "draft"
	Submitted   = "submitted"
	UnderReview = "under_review"
	Approved    = "approved"
	Rejected    = "rejected"
)

// Collaboration grant permissions.
const (
	ViewPerm = "view"
	EditPerm = "edit"
)

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name  string `gorm:"size:200;not null"`
	Email string `gorm:"unique;size:254;not null"`

	// Only populated when the basic identity provider manages credentials.
	Password []byte

	Level      int    `gorm:"not null;default:3"`
	SchoolName string `gorm:"size:200;index"`
	Title      string `gorm:"size:200"`

	IsActive  bool `gorm:"not null;default:true"`
	LastLogin *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	Forms       []FormSubmission `gorm:"foreignKey:UserId"`
	Assignments []FormAssignment `gorm:"foreignKey:UserId;constraint:OnDelete:CASCADE"`
	Activity    []ActivityRecord `gorm:"foreignKey:UserId;constraint:OnDelete:CASCADE"`
}

func (u *User) IsAdmin() bool {
	return u.Level >= LevelPrincipal
}

func (u *User) IsSuperAdmin() bool {
	return u.Level == LevelSuperAdmin
}

type FormSubmission struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	// Owner of the plan. Mutable via ownership transfer.
	UserId uuid.UUID `gorm:"type:uuid;not null;index:idx_forms_owner_status"`
	User   *User

	// Who originally created the form, preserved across transfers.
	CreatedBy uuid.UUID `gorm:"type:uuid"`

	// Denormalized copies of the owner's identity at the time of the last
	// ownership change.
	SchoolName     string `gorm:"size:200;not null;index"`
	PrincipalName  string `gorm:"size:200;not null"`
	PrincipalEmail string `gorm:"size:254;not null;index"`

	Status      string `gorm:"size:50;not null;default:'draft';index:idx_forms_owner_status"`
	CurrentStep int    `gorm:"not null;default:1"`

	SubmittedAt *time.Time

	ReviewedBy     *uuid.UUID `gorm:"type:uuid"`
	Reviewer       *User      `gorm:"foreignKey:ReviewedBy"`
	ReviewedAt     *time.Time
	ReviewComments string

	NotificationSent   bool `gorm:"not null;default:false;index"`
	NotificationSentAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	Sections  []FormSection    `gorm:"foreignKey:FormId;constraint:OnDelete:CASCADE"`
	Transfers []TransferRecord `gorm:"foreignKey:FormId;constraint:OnDelete:CASCADE"`
}

// FormSection is one of the 15 named parts of a plan. Data holds the
// JSON-encoded answer map for the section; writes replace it wholesale.
type FormSection struct {
	FormId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key    string    `gorm:"size:50;primaryKey"`

	Completed bool   `gorm:"not null;default:false"`
	Data      string `gorm:"not null;default:'{}'"`

	StartedAt     *time.Time
	LastUpdated   *time.Time
	TimeSpent     int `gorm:"not null;default:0"`
	RevisionCount int `gorm:"not null;default:0"`
}

// TransferRecord is an append-only audit entry for ownership changes.
// Rows are never updated or deleted.
type TransferRecord struct {
	Id     uuid.UUID `gorm:"type:uuid;primaryKey"`
	FormId uuid.UUID `gorm:"type:uuid;not null;index"`

	FromUserId    *uuid.UUID `gorm:"type:uuid"`
	ToUserId      uuid.UUID  `gorm:"type:uuid;not null"`
	TransferredBy uuid.UUID  `gorm:"type:uuid;not null"`
	TransferredAt time.Time  `gorm:"not null"`
	Reason        string     `gorm:"size:500"`
}

// FormAssignment is a collaboration grant, independent of ownership. Keyed by
// (user, form) with replace-if-exists semantics.
type FormAssignment struct {
	UserId uuid.UUID `gorm:"type:uuid;primaryKey"`
	FormId uuid.UUID `gorm:"type:uuid;primaryKey;index"`

	AssignedBy  uuid.UUID `gorm:"type:uuid;not null"`
	Permissions string    `gorm:"size:20;not null;default:'edit'"`

	// JSON-encoded list of step numbers the grant is scoped to. Empty means
	// all sections.
	AssignedSections string `gorm:"not null;default:'[]'"`

	AssignedAt time.Time `gorm:"not null"`
}

type ActivityRecord struct {
	Id     uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId uuid.UUID `gorm:"type:uuid;not null;index"`

	Action  string `gorm:"size:100;not null"`
	Target  string `gorm:"size:200"`
	Details string

	CreatedAt time.Time
}

func ReviewableStatus(status string) bool {
	return status == Approved || status == Rejected || status == UnderReview
}

func ValidStatus(status string) bool {
	switch status {
	case Draft, Submitted, UnderReview, Approved, Rejected:
		return true
	}
	return false
}

// Tables lists every model for AutoMigrate and the test setup.
func Tables() []interface{} {
	return []interface{}{
		&User{}, &FormSubmission{}, &FormSection{}, &TransferRecord{},
		&FormAssignment{}, &ActivityRecord{},
	}
}
