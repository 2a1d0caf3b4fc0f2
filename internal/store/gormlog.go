package store

import (
	"fmt"
	"strings"
	"time"

	gormLogger "gorm.io/gorm/logger"

	"github.com/vgabrielk/widget-sub001/internal/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// gormWriter sends gorm's slow-query and error lines to the service logger.
type gormWriter struct {
	log *logger.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// newGormLogger reports slow queries and failures only. Lookups that find
// nothing are normal control flow here and stay silent; bound values are
// left out of the logged SQL since rows carry visitor emails.
func newGormLogger(log *logger.Logger) gormLogger.Interface {
	return gormLogger.New(gormWriter{log: log.With("component", "gorm")}, gormLogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  gormLogger.Warn,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
		Colorful:                  false,
	})
}
