package store

import (
	"time"

	"gorm.io/datatypes"
)

// Schedule is a persisted weekly heating programme. Zone, room and entry
// rows live in child tables and are replaced wholesale on every write.
type Schedule struct {
	ID        string         `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"not null" json:"name"`
	Active    bool           `gorm:"not null;default:true" json:"active"`
	Priority  int            `gorm:"not null;default:0" json:"priority"`
	Metadata  datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ScheduleZone assigns a schedule directly to a climate entity.
type ScheduleZone struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	ScheduleID string `gorm:"uniqueIndex:idx_schedule_zones_schedule_zone;not null" json:"schedule_id"`
	ZoneID     string `gorm:"uniqueIndex:idx_schedule_zones_schedule_zone;index:idx_schedule_zones_zone_id;not null" json:"zone_id"`
}

// ScheduleRoom assigns a schedule to a room; the platform's area registry
// maps the room to its climate entities at compile time.
type ScheduleRoom struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	ScheduleID string `gorm:"uniqueIndex:idx_schedule_rooms_schedule_room;not null" json:"schedule_id"`
	RoomName   string `gorm:"uniqueIndex:idx_schedule_rooms_schedule_room;index:idx_schedule_rooms_room_name;not null" json:"room_name"`
	AreaID     string `json:"area_id,omitempty"`
}

// ScheduleEntry is one materialized switch point: day 0 is Monday,
// TimeMinutes counts from midnight. Temperature is nil when Action is off.
type ScheduleEntry struct {
	ID          uint     `gorm:"primaryKey" json:"-"`
	ScheduleID  string   `gorm:"index:idx_schedule_entries_schedule_day,priority:1;not null" json:"schedule_id"`
	DayOfWeek   int      `gorm:"index:idx_schedule_entries_schedule_day,priority:2;index:idx_schedule_entries_day_time,priority:1;not null" json:"day_of_week"`
	TimeMinutes int      `gorm:"index:idx_schedule_entries_day_time,priority:2;not null" json:"time_minutes"`
	Temperature *float64 `json:"temperature,omitempty"`
	Action      string   `gorm:"not null;default:heat" json:"action"`
}
