package models

import "gorm.io/gorm"

// CycleEvent is one row in the append-only journal of state transitions.
// Events are never updated or deleted; replaying them in id order
// reconstructs the history of a cycle set after a crash.
type CycleEvent struct {
	gorm.Model
	CycleSetID  uint   `gorm:"index;not null"`
	CycleNumber int    `gorm:"not null"`
	FromState   string `gorm:"not null"`
	ToState     string `gorm:"not null"`
	OrderID     string
	Detail      string
}
