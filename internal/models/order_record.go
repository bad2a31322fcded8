package models

import "gorm.io/gorm"

// OrderRecord is a local reference to an order owned by the exchange.
// The engine only ever reads order state by polling; these rows exist so a
// stopped or failed set can be reconciled manually against the exchange.
type OrderRecord struct {
	gorm.Model
	CycleSetID  uint   `gorm:"index;not null"`
	CycleNumber int    `gorm:"not null"`
	ExchangeID  string `gorm:"uniqueIndex;not null"`
	Side        string
	Leg         string // "opening" or "closing"
	Size        float64
	LimitPrice  float64
	Status      string
}
