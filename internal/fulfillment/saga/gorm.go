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

package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

const mysqlDuplicateEntry = 1062

// GormRepository stores instances in MySQL. The version column is the CAS token.
type GormRepository struct {
	db *gorm.DB
}

var _ Repository = (*GormRepository)(nil)

// NewGormRepository wraps db.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Migrate creates the order_sagas table and its indexes.
func (r *GormRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Instance{})
}

func (r *GormRepository) Get(ctx context.Context, correlationID string) (*Instance, error) {
	var inst Instance
	err := r.db.WithContext(ctx).Where("correlation_id = ?", correlationID).Take(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load saga %s: %w", correlationID, err)
	}
	return &inst, nil
}

func (r *GormRepository) Create(ctx context.Context, inst *Instance) error {
	inst.Version = 1
	err := r.db.WithContext(ctx).Create(inst).Error
	if isDuplicate(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create saga %s: %w", inst.CorrelationID, err)
	}
	return nil
}

func (r *GormRepository) Update(ctx context.Context, inst *Instance, expectedVersion int64) error {
	next := inst.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()

	res := r.db.WithContext(ctx).
		Model(&Instance{}).
		Where("correlation_id = ? AND version = ?", inst.CorrelationID, expectedVersion).
		Select("*").Omit("correlation_id", "created_at").
		Updates(next)
	if res.Error != nil {
		return fmt.Errorf("update saga %s: %w", inst.CorrelationID, res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := r.db.WithContext(ctx).Model(&Instance{}).Where("correlation_id = ?", inst.CorrelationID).Count(&n).Error; err != nil {
			return fmt.Errorf("update saga %s: %w", inst.CorrelationID, err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	inst.Version = next.Version
	inst.UpdatedAt = next.UpdatedAt
	return nil
}

func (r *GormRepository) ListByState(ctx context.Context, state State, createdBefore time.Time, limit int) ([]*Instance, error) {
	q := r.db.WithContext(ctx).
		Where("state = ? AND created_at < ?", state, createdBefore).
		Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*Instance
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list %s sagas: %w", state, err)
	}
	return out, nil
}

func (r *GormRepository) PurgeTerminal(ctx context.Context, updatedBefore time.Time) (int, error) {
	res := r.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ? AND outbox IS NULL", []State{StateCompleted, StateFailed}, updatedBefore).
		Delete(&Instance{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge sagas: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysqldriver.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
