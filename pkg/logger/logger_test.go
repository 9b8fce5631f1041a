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

package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitLogger(t *testing.T) {
	ResetLogger()
	defer ResetLogger()

	InitLogger()

	require.NotNil(t, Logger)
	assert.NotNil(t, Logger.Core())
}

func TestInitLoggerMultipleCalls(t *testing.T) {
	ResetLogger()
	defer ResetLogger()

	InitLogger()
	first := Logger
	InitLogger()

	assert.Same(t, first, Logger)
}

func TestGetLoggerInitializesLazily(t *testing.T) {
	ResetLogger()
	defer ResetLogger()

	assert.Nil(t, Logger)
	assert.NotNil(t, GetLogger())
}

func TestSetLevel(t *testing.T) {
	defer func() { _ = SetLevel("info") }()

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, "debug", GetLevel())

	require.NoError(t, SetLevel("warn"))
	assert.Equal(t, "warn", GetLevel())

	assert.Error(t, SetLevel("loud"))
	assert.Equal(t, "warn", GetLevel())
}

func TestCtxWritesThroughGlobalLogger(t *testing.T) {
	ResetLogger()
	defer ResetLogger()

	core, logs := observer.New(zap.InfoLevel)
	Use(zap.New(core))

	Ctx(context.Background()).Info("reserved", zap.String("order_id", "O1"))

	entries := logs.FilterMessage("reserved").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "O1", entries[0].ContextMap()["order_id"])
}

func TestConfigureDevelopment(t *testing.T) {
	ResetLogger()
	defer ResetLogger()
	defer func() { _ = SetLevel("info") }()

	require.NoError(t, Configure("debug", true))
	require.NotNil(t, Logger)
	assert.Equal(t, "debug", GetLevel())

	assert.Error(t, Configure("nope", false))
}

func TestWithAttachesFieldsOnce(t *testing.T) {
	ResetLogger()
	defer ResetLogger()

	core, logs := observer.New(zap.InfoLevel)
	Use(zap.New(core))

	log := With(context.Background(), zap.String("order_id", "O1"))
	log.Info("reserved", zap.Int("quantity", 2))
	log.Info("released")

	entries := logs.All()
	require.Len(t, entries, 2)
	for _, e := range entries {
		var keys []string
		for _, f := range e.Context {
			keys = append(keys, f.Key)
		}
		assert.Equal(t, 1, countOf(keys, "order_id"), "entry %q: %v", e.Message, keys)
	}
	assert.Equal(t, int64(2), entries[0].ContextMap()["quantity"])
}

func countOf(keys []string, key string) int {
	n := 0
	for _, k := range keys {
		if k == key {
			n++
		}
	}
	return n
}
