package blackboard

import (
	"context"
	"time"

	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/log"
)

// Sweeper applies the board retention policy: live messages past the
// age limit are archived, archives past retention are purged. One
// sweeper runs inside the daemon.
type Sweeper struct {
	board     *Service
	swarms    fleet.SwarmStore
	interval  time.Duration
	maxAge    time.Duration
	retention time.Duration
}

// NewSweeper wires a retention sweeper. A zero maxAge never archives by
// age; a zero retention keeps archives forever.
func NewSweeper(board *Service, swarms fleet.SwarmStore, interval, maxAge, retention time.Duration) *Sweeper {
	return &Sweeper{
		board:     board,
		swarms:    swarms,
		interval:  interval,
		maxAge:    maxAge,
		retention: retention,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
// A zero interval disables the sweeper.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.SweepOnce(); err != nil {
				log.Warn(log.CatBoard, "board retention sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce archives aged messages on every board, the fleet-wide one
// included, then purges stale archives. Per-board failures are logged
// and do not stop the sweep.
func (s *Sweeper) SweepOnce() (archived, purged int, err error) {
	if s.maxAge > 0 {
		boards := []string{""}
		swarms, listErr := s.swarms.List()
		if listErr != nil {
			return 0, 0, listErr
		}
		for _, sw := range swarms {
			boards = append(boards, sw.ID)
		}

		for _, id := range boards {
			n, archiveErr := s.board.ArchiveOld(fleet.System, id, s.maxAge)
			if archiveErr != nil {
				log.Warn(log.CatBoard, "archiving aged messages failed", "swarm", id, "error", archiveErr)
				continue
			}
			archived += n
		}
	}

	if s.retention > 0 {
		purged, err = s.board.PurgeArchived(s.retention)
		if err != nil {
			return archived, 0, err
		}
		if purged > 0 {
			log.Info(log.CatBoard, "purged archived messages", "count", purged)
		}
	}
	return archived, purged, nil
}
