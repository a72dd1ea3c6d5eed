package models

import "time"

// DailyMetric is one day of normalized health data for one user.
// The (user_id, date) pair is unique; repeated syncs merge into the same row.
type DailyMetric struct {
	ID     string    `gorm:"primaryKey"` // UUID
	UserID string    `gorm:"uniqueIndex:idx_user_date;not null"`
	Date   time.Time `gorm:"uniqueIndex:idx_user_date;not null"` // UTC midnight

	Steps            *int
	RestingHeartRate *int
	Weight           *float64 // kg
	Distance         *float64 // km
	Calories         *int
	SleepMinutes     *int
	HRVDailyRmssd    *float64
	HRVDeepRmssd     *float64
	RespiratoryRate  *float64
	SkinTemperature  *float64 // nightly relative, degrees C
	OxygenSaturation *float64 // average SpO2 percent

	// JSON blobs for structured payloads (sleep stages, vitals detail,
	// workout list). Stored as serialized strings, same as the account
	// metadata pattern.
	SleepDetail string
	VitalsData  string
	Workouts    string

	SyncedAt  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
