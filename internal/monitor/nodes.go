package monitor

import (
	"context"
	"log/slog"
	"sync"
)

// nodeCache держит названия нод между проходами. Ошибка обновления
// оставляет прежние значения.
type nodeCache struct {
	dir NodeDirectory
	log *slog.Logger

	mu    sync.RWMutex
	names map[string]string
}

func newNodeCache(dir NodeDirectory, log *slog.Logger) *nodeCache {
	return &nodeCache{dir: dir, log: log, names: map[string]string{}}
}

func (c *nodeCache) refresh(ctx context.Context) {
	if c == nil || c.dir == nil {
		return
	}
	names, err := c.dir.NodeNames(ctx)
	if err != nil {
		c.log.Warn("node names refresh failed, keeping cached", "err", fetchError("node names", err))
		return
	}
	c.mu.Lock()
	c.names = names
	c.mu.Unlock()
	c.log.Debug("node names refreshed", "count", len(names))
}

func (c *nodeCache) name(nodeID string) string {
	if c == nil || nodeID == "" {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.names[nodeID]
}
