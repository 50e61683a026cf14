package versions

import (
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Snapshot of the schema at the initial release. Later migrations must not
// reference these types, they are frozen copies.

type initialUser struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name     string `gorm:"size:200;not null"`
	Email    string `gorm:"unique;size:254;not null"`
	Password []byte

	Level      int    `gorm:"not null;default:3"`
	SchoolName string `gorm:"size:200;index"`
	Title      string `gorm:"size:200"`

	IsActive  bool `gorm:"not null;default:true"`
	LastLogin *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (initialUser) TableName() string { return "users" }

type initialFormSubmission struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserId    uuid.UUID `gorm:"type:uuid;not null;index:idx_forms_owner_status"`
	CreatedBy uuid.UUID `gorm:"type:uuid"`

	SchoolName     string `gorm:"size:200;not null;index"`
	PrincipalName  string `gorm:"size:200;not null"`
	PrincipalEmail string `gorm:"size:254;not null;index"`

	Status      string `gorm:"size:50;not null;default:'draft';index:idx_forms_owner_status"`
	CurrentStep int    `gorm:"not null;default:1"`

	SubmittedAt *time.Time

	ReviewedBy     *uuid.UUID `gorm:"type:uuid"`
	ReviewedAt     *time.Time
	ReviewComments string

	NotificationSent   bool `gorm:"not null;default:false;index"`
	NotificationSentAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (initialFormSubmission) TableName() string { return "form_submissions" }

type initialFormSection struct {
	FormId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key    string    `gorm:"size:50;primaryKey"`

	Completed bool   `gorm:"not null;default:false"`
	Data      string `gorm:"not null;default:'{}'"`

	StartedAt     *time.Time
	LastUpdated   *time.Time
	TimeSpent     int `gorm:"not null;default:0"`
	RevisionCount int `gorm:"not null;default:0"`
}

func (initialFormSection) TableName() string { return "form_sections" }

type initialTransferRecord struct {
	Id     uuid.UUID `gorm:"type:uuid;primaryKey"`
	FormId uuid.UUID `gorm:"type:uuid;not null;index"`

	FromUserId    *uuid.UUID `gorm:"type:uuid"`
	ToUserId      uuid.UUID  `gorm:"type:uuid;not null"`
	TransferredBy uuid.UUID  `gorm:"type:uuid;not null"`
	TransferredAt time.Time  `gorm:"not null"`
	Reason        string     `gorm:"size:500"`
}

func (initialTransferRecord) TableName() string { return "transfer_records" }

type initialFormAssignment struct {
	UserId uuid.UUID `gorm:"type:uuid;primaryKey"`
	FormId uuid.UUID `gorm:"type:uuid;primaryKey;index"`

	AssignedBy       uuid.UUID `gorm:"type:uuid;not null"`
	Permissions      string    `gorm:"size:20;not null;default:'edit'"`
	AssignedSections string    `gorm:"not null;default:'[]'"`
	AssignedAt       time.Time `gorm:"not null"`
}

func (initialFormAssignment) TableName() string { return "form_assignments" }

type initialActivityRecord struct {
	Id     uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId uuid.UUID `gorm:"type:uuid;not null;index"`

	Action  string `gorm:"size:100;not null"`
	Target  string `gorm:"size:200"`
	Details string

	CreatedAt time.Time
}

func (initialActivityRecord) TableName() string { return "activity_records" }

var InitialSchema = &gormigrate.Migration{
	ID: "0_initial_schema",
	Migrate: func(txn *gorm.DB) error {
		return txn.AutoMigrate(
			&initialUser{}, &initialFormSubmission{}, &initialFormSection{},
			&initialTransferRecord{}, &initialFormAssignment{}, &initialActivityRecord{},
		)
	},
	Rollback: func(txn *gorm.DB) error {
		return txn.Migrator().DropTable(
			"activity_records", "form_assignments", "transfer_records",
			"form_sections", "form_submissions", "users",
		)
	},
}

var All = []*gormigrate.Migration{
	InitialSchema,
}
