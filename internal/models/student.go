package models

import "time"

// Student represents a learner that can take part in ECAs.
type Student struct {
	ID          string    `db:"id" json:"id"`
	NIS         string    `db:"nis" json:"nis"`
	FullName    string    `db:"full_name" json:"full_name"`
	Gender      EcaGender `db:"gender" json:"gender"`
	YearGroupID string    `db:"year_group_id" json:"year_group_id"`
	ClassID     *string   `db:"class_id" json:"class_id,omitempty"`
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
