package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/firewatch/firewatch/internal/database"
	"github.com/firewatch/firewatch/internal/services"
)

// FeedPollerJob drives the scheduled poll loop. Each tick it walks the
// enabled agencies and triggers a non-forced sync for every feed; per-agency
// cooldowns live in the sync service, so a tick that arrives early for an
// agency is simply skipped there rather than throttled here.
type FeedPollerJob struct {
	db          *gorm.DB
	syncService *services.SyncService
	feeds       []database.FeedType
	tick        time.Duration
}

// NewFeedPollerJob creates a new feed poller job
func NewFeedPollerJob(db *gorm.DB, syncService *services.SyncService, tick time.Duration) *FeedPollerJob {
	if tick <= 0 {
		tick = 15 * time.Second
	}
	return &FeedPollerJob{
		db:          db,
		syncService: syncService,
		feeds:       []database.FeedType{database.FeedTypeDispatch, database.FeedTypeWeather},
		tick:        tick,
	}
}

// Run executes one poll pass over all enabled agencies.
// Returns the number of syncs that actually ran.
func (j *FeedPollerJob) Run(ctx context.Context) (int, error) {
	agencies, err := database.ListEnabledAgencies(j.db)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0

	for i := range agencies {
		agency := agencies[i]
		for _, feed := range j.feeds {
			if feed == database.FeedTypeWeather && len(agency.WeatherZones) == 0 {
				continue
			}
			wg.Add(1)
			go func(agencyID uint, slug string, feed database.FeedType) {
				defer wg.Done()
				result, err := j.syncService.RunSync(ctx, agencyID, feed, false)
				if err != nil {
					log.Printf("Feed poller: sync failed for agency %s feed %s: %v", slug, feed, err)
					return
				}
				if result.SkippedRateLimited {
					return
				}
				mu.Lock()
				ran++
				mu.Unlock()
			}(agency.ID, agency.Slug, feed)
		}
	}

	wg.Wait()
	return ran, nil
}

// Start begins the periodic poll loop. Cancellation is only observed
// between cycles; an in-flight cycle always runs to completion so a commit
// is never interrupted mid-batch.
func (j *FeedPollerJob) Start(stop <-chan struct{}) {
	ticker := time.NewTicker(j.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ran, err := j.Run(context.Background())
			if err != nil {
				log.Printf("Feed poller error: %v", err)
			} else if ran > 0 {
				log.Printf("Feed poller: completed %d syncs", ran)
			}

		case <-stop:
			log.Println("Feed poller stopped")
			return
		}
	}
}
