package execution

import (
	"errors"
	"time"

	"github.com/ksred/trading-core/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByBrokerID(brokerOrderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("broker_order_id = ?", brokerOrderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

func (d *Database) CreateExecution(exec *types.Execution) error {
	return d.db.Create(exec).Error
}

func (d *Database) GetExecution(executionID string) (*types.Execution, error) {
	var exec types.Execution
	if err := d.db.Where("execution_id = ?", executionID).First(&exec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &exec, nil
}

func (d *Database) ListOrdersBySession(sessionID string) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("session_id = ?", sessionID).Order("created_at asc").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) ListExecutionsForOrders(orderIDs []string) ([]types.Execution, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	var executions []types.Execution
	if err := d.db.Where("order_id IN ?", orderIDs).
		Order("executed_at asc").Find(&executions).Error; err != nil {
		return nil, err
	}
	return executions, nil
}

func (d *Database) ListStaleOrders(statuses []string, cutoff time.Time) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("status IN ? AND updated_at < ?", statuses, cutoff).
		Order("created_at asc").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) ListExecutionsBetween(start, end time.Time) ([]types.Execution, error) {
	var executions []types.Execution
	if err := d.db.Where("executed_at BETWEEN ? AND ?", start, end).
		Order("executed_at asc").Find(&executions).Error; err != nil {
		return nil, err
	}
	return executions, nil
}
