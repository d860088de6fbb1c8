package jobdomain

import (
	"time"

	"gorm.io/datatypes"
)

// Host is the durable row a given agent process upserts on every status
// tick (§4.2). JobSlots mirrors the agent's configured per-type capacity so
// observers can see both capacity and, via StatusPayload, current load.
type Host struct {
	Hostname       string         `gorm:"column:hostname;primaryKey" json:"hostname"`
	JobSlots       datatypes.JSON `gorm:"column:job_slots;type:jsonb" json:"job_slots"`
	LastStatusTime time.Time      `gorm:"column:last_status_time;not null;index" json:"last_status_time"`
	StatusPayload  datatypes.JSON `gorm:"column:status_payload;type:jsonb" json:"status_payload"`
}

func (Host) TableName() string { return "hosts" }
