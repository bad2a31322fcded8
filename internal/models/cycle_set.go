package models

import "gorm.io/gorm"

// Direction identifies which leg a cycle set opens with.
type Direction string

const (
	DirectionSellFirst Direction = "sell_first"
	DirectionBuyFirst  Direction = "buy_first"
)

// CycleSet statuses.
const (
	CycleSetPending = "Pending"
	CycleSetActive  = "Active"
	CycleSetFailed  = "Failed"
	CycleSetStopped = "Stopped"
)

// CycleSet represents one long-running trading direction instance. Its
// configuration columns are written once at creation and never updated;
// status, counters and residuals are maintained by the owning worker.
type CycleSet struct {
	gorm.Model
	SequenceNumber  int       `gorm:"not null"`
	Direction       Direction `gorm:"not null"`
	ProductID       string    `gorm:"not null"`
	StartingSize    float64   `gorm:"not null"`
	ProfitPercent   float64
	MakerFee        float64
	TakerFee        float64
	CompoundPercent float64
	CompoundingMode string
	WindowSize      int
	ChartInterval   int
	Status          string `gorm:"default:Pending"`
	StatusDetail    string
	CompletedCycles int
	ResidualBase    float64
	ResidualQuote   float64
	Cycles          []Cycle
	Orders          []OrderRecord
}
