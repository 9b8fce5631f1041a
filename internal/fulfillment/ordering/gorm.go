// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package ordering

import (
	"context"
	"errors"
	"fmt"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// GormStore keeps orders in MySQL.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the orders table.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Order{})
}

func (s *GormStore) Create(ctx context.Context, o *Order) error {
	err := s.db.WithContext(ctx).Create(o).Error
	var me *mysqldriver.MySQLError
	if errors.Is(err, gorm.ErrDuplicatedKey) || (errors.As(err, &me) && me.Number == 1062) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*Order, error) {
	var o Order
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	return &o, nil
}

func (s *GormStore) ListByCustomer(ctx context.Context, customerID string) ([]*Order, error) {
	var out []*Order
	err := s.db.WithContext(ctx).Where("customer_id = ?", customerID).Order("created_at").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list orders of %s: %w", customerID, err)
	}
	return out, nil
}

// Transition is a single conditional UPDATE on the current status.
func (s *GormStore) Transition(ctx context.Context, id string, change StatusChange) (*Order, error) {
	updates := map[string]any{
		"status":     change.To,
		"updated_at": change.At,
	}
	switch change.To {
	case StatusCompleted:
		updates["completed_at"] = change.At
	case StatusFailed:
		updates["failed_at"] = change.At
		updates["failure_reason"] = change.Reason
	}

	res := s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status IN ?", id, allowed[change.To]).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update order %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&Order{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("update order %s: %w", id, err)
		}
		if n == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrInvalidTransition
	}
	return s.Get(ctx, id)
}
