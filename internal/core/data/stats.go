package data

import (
	"time"

	"gorm.io/gorm"
)

// StatsSnapshot is a point in time copy of a cerver's counters. A snapshot is written
// every time the stats threshold elapses (right before the counters are reset) and
// when the cerver shuts down.
type StatsSnapshot struct {
	gorm.Model

	CerverName  string `gorm:"index; not null"`
	PeriodStart time.Time
	PeriodEnd   time.Time

	PacketsReceived uint64
	BytesReceived   uint64
	PacketsSent     uint64
	BytesSent       uint64
	BadPackets      uint64

	ClientPackets   uint64
	ErrorPackets    uint64
	RequestPackets  uint64
	AuthPackets     uint64
	GamePackets     uint64
	AppPackets      uint64
	AppErrorPackets uint64
	CustomPackets   uint64
	TestPackets     uint64

	ConnectedClients uint64
	TotalConnections uint64

	OnHoldPacketsReceived uint64
	OnHoldBytesReceived   uint64
}

func SaveStatsSnapshot(db *gorm.DB, snapshot *StatsSnapshot) error {
	return db.Create(snapshot).Error
}

// FindStatsSnapshots returns every snapshot recorded for the named cerver, oldest first.
func FindStatsSnapshots(db *gorm.DB, cerverName string) ([]StatsSnapshot, error) {
	var snapshots []StatsSnapshot
	err := db.Where("cerver_name = ?", cerverName).Order("period_end asc").Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

// DeleteStatsSnapshotsBefore removes the named cerver's snapshots whose period ended
// before cutoff.
func DeleteStatsSnapshotsBefore(db *gorm.DB, cerverName string, cutoff time.Time) (int64, error) {
	result := db.Where("cerver_name = ? AND period_end < ?", cerverName, cutoff).Delete(&StatsSnapshot{})
	return result.RowsAffected, result.Error
}
