package models

import "gorm.io/gorm"

// Cycle statuses.
const (
	CycleActive    = "Active"
	CycleCompleted = "Completed"
	CycleFailed    = "Failed"
	CycleStopped   = "Stopped"
)

// Cycle represents one opening+closing order pair within a CycleSet.
// Numbers are monotonic within their set and never reused.
type Cycle struct {
	gorm.Model
	CycleSetID  uint `gorm:"index;not null"`
	Number      int  `gorm:"not null"`
	OpeningSize float64
	Status      string
}
