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

package db

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func TestDataSourceName(t *testing.T) {
	cfg := Config{Host: "db", Port: "3306", Username: "app", Password: "secret", DBName: "fulfillment"}
	assert.Equal(t, "app:secret@tcp(db:3306)/fulfillment?charset=utf8mb4&parseTime=True&loc=UTC", cfg.DataSourceName())

	cfg.DSN = "custom"
	assert.Equal(t, "custom", cfg.DataSourceName())
}

func TestOpenWithTracing(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	prev := newDialector
	defer func() { newDialector = prev }()
	newDialector = func(Config) gorm.Dialector {
		return mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true})
	}

	conn, err := Open(Config{MaxOpenConns: 4, Tracing: true})
	require.NoError(t, err)
	_, ok := conn.Config.Plugins["tracing"]
	assert.True(t, ok)
}
