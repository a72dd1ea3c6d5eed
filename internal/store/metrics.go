package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/fitsync/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MetricPatch is a partial update of one day's metrics. Nil fields are left
// untouched on merge.
type MetricPatch struct {
	Steps            *int
	RestingHeartRate *int
	Weight           *float64
	Distance         *float64
	Calories         *int
	SleepMinutes     *int
	HRVDailyRmssd    *float64
	HRVDeepRmssd     *float64
	RespiratoryRate  *float64
	SkinTemperature  *float64
	OxygenSaturation *float64
	SleepDetail      *string
	VitalsData       *string
	Workouts         *string
}

// Empty reports whether the patch carries no fields.
func (p MetricPatch) Empty() bool {
	return p.Steps == nil && p.RestingHeartRate == nil && p.Weight == nil &&
		p.Distance == nil && p.Calories == nil && p.SleepMinutes == nil &&
		p.HRVDailyRmssd == nil && p.HRVDeepRmssd == nil && p.RespiratoryRate == nil &&
		p.SkinTemperature == nil && p.OxygenSaturation == nil &&
		p.SleepDetail == nil && p.VitalsData == nil && p.Workouts == nil
}

// DayPatch binds a patch to the calendar date it applies to.
type DayPatch struct {
	Date  time.Time
	Patch MetricPatch
}

// Metrics is the daily-metric upsert writer. All DailyMetric writes in the
// engine go through Upsert.
type Metrics struct {
	db *gorm.DB
}

// NewMetrics constructs the writer.
func NewMetrics(gdb *gorm.DB) *Metrics {
	return &Metrics{db: gdb}
}

// DateOnly truncates a timestamp to UTC midnight, the granularity of the
// daily_metrics key.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Upsert merges a partial day of metrics into (userID, date) as a single
// INSERT ... ON CONFLICT DO UPDATE. Only fields present in the patch are
// assigned, so concurrent writers touching disjoint fields cannot clobber
// each other, and re-applying the same patch is idempotent.
func (m *Metrics) Upsert(ctx context.Context, userID string, date time.Time, p MetricPatch) error {
	if p.Empty() {
		return nil
	}

	now := time.Now().UTC()
	row := models.DailyMetric{
		ID:       uuid.New().String(),
		UserID:   userID,
		Date:     DateOnly(date),
		SyncedAt: now,
	}
	assignments := map[string]any{"synced_at": now, "updated_at": now}

	if p.Steps != nil {
		row.Steps = p.Steps
		assignments["steps"] = *p.Steps
	}
	if p.RestingHeartRate != nil {
		row.RestingHeartRate = p.RestingHeartRate
		assignments["resting_heart_rate"] = *p.RestingHeartRate
	}
	if p.Weight != nil {
		row.Weight = p.Weight
		assignments["weight"] = *p.Weight
	}
	if p.Distance != nil {
		row.Distance = p.Distance
		assignments["distance"] = *p.Distance
	}
	if p.Calories != nil {
		row.Calories = p.Calories
		assignments["calories"] = *p.Calories
	}
	if p.SleepMinutes != nil {
		row.SleepMinutes = p.SleepMinutes
		assignments["sleep_minutes"] = *p.SleepMinutes
	}
	if p.HRVDailyRmssd != nil {
		row.HRVDailyRmssd = p.HRVDailyRmssd
		assignments["hrv_daily_rmssd"] = *p.HRVDailyRmssd
	}
	if p.HRVDeepRmssd != nil {
		row.HRVDeepRmssd = p.HRVDeepRmssd
		assignments["hrv_deep_rmssd"] = *p.HRVDeepRmssd
	}
	if p.RespiratoryRate != nil {
		row.RespiratoryRate = p.RespiratoryRate
		assignments["respiratory_rate"] = *p.RespiratoryRate
	}
	if p.SkinTemperature != nil {
		row.SkinTemperature = p.SkinTemperature
		assignments["skin_temperature"] = *p.SkinTemperature
	}
	if p.OxygenSaturation != nil {
		row.OxygenSaturation = p.OxygenSaturation
		assignments["oxygen_saturation"] = *p.OxygenSaturation
	}
	if p.SleepDetail != nil {
		row.SleepDetail = *p.SleepDetail
		assignments["sleep_detail"] = *p.SleepDetail
	}
	if p.VitalsData != nil {
		row.VitalsData = *p.VitalsData
		assignments["vitals_data"] = *p.VitalsData
	}
	if p.Workouts != nil {
		row.Workouts = *p.Workouts
		assignments["workouts"] = *p.Workouts
	}

	return m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&row).Error
}

// Day loads the metric row for one (userID, date), or nil when absent.
func (m *Metrics) Day(ctx context.Context, userID string, date time.Time) (*models.DailyMetric, error) {
	var row models.DailyMetric
	err := m.db.WithContext(ctx).
		First(&row, "user_id = ? AND date = ?", userID, DateOnly(date)).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}
