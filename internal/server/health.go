package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Ready reports whether the engine can serve traffic: the database and
// Redis must both answer.
func (h *Handlers) Ready(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "database unreachable"})
		return
	}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "redis unreachable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// SystemHealth samples host resources. Sampling failures degrade to
// partial output rather than an error response.
func (h *Handlers) SystemHealth(c *gin.Context) {
	system := gin.H{
		"goroutines":    runtime.NumGoroutine(),
		"uptimeSeconds": int64(time.Since(h.started).Seconds()),
	}

	if percent, err := cpu.Percent(0, false); err == nil && len(percent) > 0 {
		system["cpuPercent"] = percent[0]
	}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		system["memoryUsedBytes"] = vmStat.Used
		system["memoryPercent"] = vmStat.UsedPercent
	}
	if usage, err := disk.Usage("/"); err == nil {
		system["diskPercent"] = usage.UsedPercent
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"system": system,
	})
}
