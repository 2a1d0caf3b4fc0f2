package services

import (
	"time"

	"github.com/vgabrielk/widget-sub001/internal/logger"
)

// Sweeper drops expired entries and returns how many it removed.
type Sweeper interface {
	Sweep() int
}

// CleanupService periodically evicts expired rate-limit windows.
// It runs as a background goroutine so the tables do not grow with every
// address that ever called an upload endpoint.
type CleanupService struct {
	sweepers map[string]Sweeper
	interval time.Duration
	log      *logger.Logger
	stopChan chan struct{}
}

// NewCleanupService creates a new cleanup service.
// - interval: how often to sweep (e.g., 1 minute)
// - sweepers: named tables to sweep
func NewCleanupService(interval time.Duration, sweepers map[string]Sweeper, log *logger.Logger) *CleanupService {
	return &CleanupService{
		sweepers: sweepers,
		interval: interval,
		log:      log.With("service", "CleanupService"),
		stopChan: make(chan struct{}),
	}
}

// Start begins the background cleanup worker.
// This method blocks until Stop is called and should be run in its own goroutine.
func (s *CleanupService) Start() {
	s.log.Info("Cleanup service started", "interval", s.interval.String(), "tables", len(s.sweepers))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopChan:
			s.log.Info("Cleanup service stopped")
			return
		}
	}
}

// Stop gracefully shuts down the cleanup service.
func (s *CleanupService) Stop() {
	close(s.stopChan)
}

func (s *CleanupService) cleanup() {
	for name, sw := range s.sweepers {
		if removed := sw.Sweep(); removed > 0 {
			s.log.Debug("Swept expired entries", "table", name, "removed", removed)
		}
	}
}
