package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/vhofman/voicedash/internal/dashboard"
)

// HealthRefreshJob periodically probes the backend and re-fetches the voice
// listing, so tabs that sit idle still see availability flips without
// pressing refresh.
type HealthRefreshJob struct {
	controller *dashboard.Controller
	logger     *log.Logger
	interval   time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewHealthRefreshJob creates a new health refresh job.
func NewHealthRefreshJob(c *dashboard.Controller, logger *log.Logger, interval time.Duration) *HealthRefreshJob {
	if interval == 0 {
		interval = 60 * time.Second
	}
	return &HealthRefreshJob{
		controller: c,
		logger:     logger,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the background job.
func (j *HealthRefreshJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Printf("HealthRefreshJob: started (interval=%v)", j.interval)
}

// Stop gracefully stops the background job.
func (j *HealthRefreshJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Println("HealthRefreshJob: stopped")
}

func (j *HealthRefreshJob) run() {
	defer j.wg.Done()

	// Run immediately on start
	j.refresh()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.refresh()
		case <-j.stopCh:
			return
		}
	}
}

func (j *HealthRefreshJob) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st := j.controller.Refresh(ctx)
	if !st.Online {
		j.logger.Printf("HealthRefreshJob: backend offline (address=%q, proxied=%v)", st.Address, st.Proxied)
	}
}
