package eventcache

import (
	"context"

	"agents-console/internal/shared/model"
)

// archive 异步写入归档，失败只记录日志
func (c *Cache) archive(snap *model.StreamSnapshot) {
	if c.cfg.Archive == nil {
		return
	}
	c.archives.Add(1)
	go func() {
		defer c.archives.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ArchiveTimeout)
		defer cancel()
		if err := c.cfg.Archive.Save(ctx, snap); err != nil {
			c.metrics.RecordArchive("save", "error")
			c.logger.WithStreamID(snap.StreamID).WithError(err).Warn("archive save failed")
			return
		}
		c.metrics.RecordArchive("save", "ok")
	}()
}
