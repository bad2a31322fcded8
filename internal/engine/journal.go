package engine

import (
	"fmt"

	"coinbase-cycle-bot-go/internal/coinbase"
	"coinbase-cycle-bot-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Journal persists cycle set state and appends every transition to the
// CycleEvent log. Events are append-only; replaying them in id order
// reconstructs a set's history. Write failures on anything but set creation
// are logged and swallowed so a flaky disk never halts a live trading loop.
type Journal struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewJournal creates a journal over the given database.
func NewJournal(db *gorm.DB, logger *zap.Logger) *Journal {
	return &Journal{
		db:     db,
		logger: logger.Named("journal"),
	}
}

// CreateCycleSet persists a new cycle set and journals its creation. This is
// the one journal write whose failure is fatal: a set without a row cannot be
// reconciled later.
func (j *Journal) CreateCycleSet(set *models.CycleSet) error {
	if err := j.db.Create(set).Error; err != nil {
		return fmt.Errorf("failed to create cycle set: %w", err)
	}
	j.append(set.ID, 0, "", models.CycleSetPending, "", "cycle set created")
	return nil
}

// Transition updates a set's status and detail and appends the corresponding
// event. The previous detail string becomes the event's from-state.
func (j *Journal) Transition(set *models.CycleSet, cycleNumber int, status, detail, orderID string) {
	from := set.StatusDetail
	if from == "" {
		from = set.Status
	}
	set.Status = status
	set.StatusDetail = detail

	if err := j.db.Save(set).Error; err != nil {
		j.logger.Error("Failed to save cycle set transition",
			zap.Uint("cycle_set_id", set.ID),
			zap.String("detail", detail),
			zap.Error(err),
		)
	}
	j.append(set.ID, cycleNumber, from, detail, orderID, status)
}

// StartCycle creates the row for a new cycle within a set.
func (j *Journal) StartCycle(set *models.CycleSet, number int, openingSize float64) *models.Cycle {
	cycle := &models.Cycle{
		CycleSetID:  set.ID,
		Number:      number,
		OpeningSize: openingSize,
		Status:      models.CycleActive,
	}
	if err := j.db.Create(cycle).Error; err != nil {
		j.logger.Error("Failed to create cycle row",
			zap.Uint("cycle_set_id", set.ID),
			zap.Int("number", number),
			zap.Error(err),
		)
	}
	return cycle
}

// CompleteCycle marks a cycle completed and bumps the set's counter.
func (j *Journal) CompleteCycle(set *models.CycleSet, cycle *models.Cycle) {
	j.endCycle(cycle, models.CycleCompleted)

	set.CompletedCycles++
	if err := j.db.Save(set).Error; err != nil {
		j.logger.Error("Failed to save cycle counter", zap.Uint("cycle_set_id", set.ID), zap.Error(err))
	}
}

// FailCycle marks an in-flight cycle failed.
func (j *Journal) FailCycle(cycle *models.Cycle) {
	j.endCycle(cycle, models.CycleFailed)
}

// StopCycle marks an in-flight cycle stopped.
func (j *Journal) StopCycle(cycle *models.Cycle) {
	j.endCycle(cycle, models.CycleStopped)
}

func (j *Journal) endCycle(cycle *models.Cycle, status string) {
	cycle.Status = status
	if err := j.db.Save(cycle).Error; err != nil {
		j.logger.Error("Failed to save cycle status",
			zap.Uint("cycle_id", cycle.ID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

// RecordOrder stores a local reference to an order the exchange now owns.
func (j *Journal) RecordOrder(set *models.CycleSet, cycleNumber int, orderID string, side coinbase.Side, leg string, size, price float64) {
	record := models.OrderRecord{
		CycleSetID:  set.ID,
		CycleNumber: cycleNumber,
		ExchangeID:  orderID,
		Side:        string(side),
		Leg:         leg,
		Size:        size,
		LimitPrice:  price,
		Status:      coinbase.OrderStatusOpen,
	}
	if err := j.db.Create(&record).Error; err != nil {
		j.logger.Error("Failed to record order",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}

// MaxSequenceNumber returns the highest cycle set sequence number on record,
// or zero when the journal holds no sets yet.
func (j *Journal) MaxSequenceNumber() (int, error) {
	var n int64
	err := j.db.Model(&models.CycleSet{}).
		Select("COALESCE(MAX(sequence_number), 0)").
		Scan(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read max sequence number: %w", err)
	}
	return int(n), nil
}

// MarkOrder updates the locally recorded status of an order.
func (j *Journal) MarkOrder(orderID, status string) {
	err := j.db.Model(&models.OrderRecord{}).
		Where("exchange_id = ?", orderID).
		Update("status", status).Error
	if err != nil {
		j.logger.Error("Failed to mark order status",
			zap.String("order_id", orderID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

func (j *Journal) append(setID uint, cycleNumber int, from, to, orderID, detail string) {
	event := models.CycleEvent{
		CycleSetID:  setID,
		CycleNumber: cycleNumber,
		FromState:   from,
		ToState:     to,
		OrderID:     orderID,
		Detail:      detail,
	}
	if err := j.db.Create(&event).Error; err != nil {
		j.logger.Error("Failed to append cycle event",
			zap.Uint("cycle_set_id", setID),
			zap.String("to_state", to),
			zap.Error(err),
		)
	}
}
