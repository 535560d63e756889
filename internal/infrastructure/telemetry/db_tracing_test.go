package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type tracedRow struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func openTracedDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&tracedRow{}))
	return db
}

func TestRegisterDBTracing_Disabled(t *testing.T) {
	db := openTracedDB(t)
	require.NoError(t, RegisterDBTracing(db, DBTracingConfig{}, zap.NewNop()))
	assert.Nil(t, db.Callback().Query().Get("arbook:after_query"))
}

func TestRegisterDBTracing_RecordsStatementSpans(t *testing.T) {
	exporter := setupTestTracer(t)
	db := openTracedDB(t)

	require.NoError(t, RegisterDBTracing(db, DBTracingConfig{Enabled: true, DBName: "arbook"}, zap.NewNop()))
	assert.NotNil(t, db.Callback().Query().Get("arbook:after_query"))

	ctx, span := StartSpan(context.Background(), "parent")
	require.NoError(t, db.WithContext(ctx).Create(&tracedRow{Name: "a"}).Error)
	var rows []tracedRow
	require.NoError(t, db.WithContext(ctx).Find(&rows).Error)
	span.End()

	spans := exporter.GetSpans()
	assert.GreaterOrEqual(t, len(spans), 3)

	var sawTable bool
	for _, s := range spans {
		if v, ok := attrMap(s.Attributes)["db.sql.table"]; ok && v.AsString() == "traced_rows" {
			sawTable = true
		}
	}
	assert.True(t, sawTable)
}
