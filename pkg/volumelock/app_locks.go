package volumelock

import (
	"sync"
	"time"

	"github.com/mitchellh/go-ps"
	"go.uber.org/zap"

	"github.com/nik9play/volumelock/pkg/volumelock/util"
)

// the enforcer asks once per lock per tick, one process listing per tick is plenty
const processListTTL = 900 * time.Millisecond

// processCache turns executable names into pids for application locks
type processCache struct {
	logger *zap.SugaredLogger

	list func() ([]ps.Process, error)
	now  func() time.Time
	ttl  time.Duration

	lock      sync.Mutex
	processes []ps.Process
	listedAt  time.Time
}

func newProcessCache(logger *zap.SugaredLogger) *processCache {
	return &processCache{
		logger: logger.Named("processes"),
		list:   ps.Processes,
		now:    time.Now,
		ttl:    processListTTL,
	}
}

// PIDs returns the ids of every running process named name. It has the signature of enforcer.PIDResolver
func (c *processCache) PIDs(name string) ([]uint32, error) {
	processes, err := c.snapshot()
	if err != nil {
		return nil, err
	}

	return util.MatchProcesses(processes, name), nil
}

func (c *processCache) snapshot() ([]ps.Process, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	now := c.now()
	if c.processes != nil && c.listedAt.Add(c.ttl).After(now) {
		return c.processes, nil
	}

	processes, err := c.list()
	if err != nil {
		c.logger.Warnw("Failed to list processes", "error", err)
		return nil, err
	}

	c.processes = processes
	c.listedAt = now

	c.logger.Debugw("Refreshed process list", "count", len(processes))

	return processes, nil
}
