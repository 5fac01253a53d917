package coordinator

import (
	"time"

	"github.com/trailwarden/trailwarden/internal/arbiter"
	"github.com/trailwarden/trailwarden/internal/sensor"
	"github.com/trailwarden/trailwarden/internal/storage"
)

// CameraStatus is one camera's live pipeline state.
type CameraStatus struct {
	Camera    string               `json:"camera"`
	State     string               `json:"state"`
	Holders   []arbiter.HolderKind `json:"holders,omitempty"`
	Started   uint64               `json:"sessions_started"`
	Completed uint64               `json:"sessions_completed"`
	Aborted   uint64               `json:"sessions_aborted"`
	Discarded uint64               `json:"sessions_discarded"`
	Coalesced uint64               `json:"events_coalesced"`
	Missed    uint64               `json:"triggers_missed"`
}

// SensorStatus is one sensor's debouncer state and counters.
type SensorStatus struct {
	Sensor string       `json:"sensor"`
	Camera string       `json:"camera"`
	State  string       `json:"state"`
	Stats  sensor.Stats `json:"stats"`
}

// Status is a point-in-time snapshot of the whole pipeline, built for the
// field diagnostics CLI and the logs.
type Status struct {
	Cameras []CameraStatus `json:"cameras"`
	Sensors []SensorStatus `json:"sensors"`

	EventsPublished  uint64 `json:"events_published"`
	EventsDispatched uint64 `json:"events_dispatched"`
	CatalogBacklog   int    `json:"catalog_backlog"`
	ClassifyBacklog  int    `json:"classify_backlog"`
	ArchiveBacklog   int    `json:"archive_backlog"`

	DiskTotalBytes uint64 `json:"disk_total_bytes,omitempty"`
	DiskFreeBytes  uint64 `json:"disk_free_bytes,omitempty"`
}

// Status collects the current pipeline snapshot.
func (c *Coordinator) Status() Status {
	now := time.Now()
	st := Status{
		EventsPublished:  c.router.Metrics().Published.Load(),
		EventsDispatched: c.router.Metrics().Dispatched.Load(),
		CatalogBacklog:   c.cataloger.Backlog(),
		ClassifyBacklog:  c.adapter.Backlog(),
	}
	if c.archiver != nil {
		st.ArchiveBacklog = c.archiver.Backlog()
	}

	for _, cam := range c.cfg.Cameras {
		mgr := c.managers[cam.Name]
		m := mgr.Metrics()
		st.Cameras = append(st.Cameras, CameraStatus{
			Camera:    cam.Name,
			State:     mgr.State().String(),
			Holders:   c.arb.Holders(cam.Name),
			Started:   m.Started.Load(),
			Completed: m.Completed.Load(),
			Aborted:   m.Aborted.Load(),
			Discarded: m.Discarded.Load(),
			Coalesced: m.Coalesced.Load(),
			Missed:    m.MissedTriggers.Load(),
		})
	}

	for _, w := range c.workers {
		d := w.Debouncer()
		st.Sensors = append(st.Sensors, SensorStatus{
			Sensor: d.Name(),
			Camera: d.Camera(),
			State:  d.State(now).String(),
			Stats:  d.Stats(),
		})
	}

	if total, free, err := storage.DiskUsage(c.cfg.Recording.MediaDir); err == nil {
		st.DiskTotalBytes = total
		st.DiskFreeBytes = free
	}
	return st
}
