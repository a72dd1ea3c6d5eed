package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pysugar/fitsync/internal/fitbit"
	"github.com/pysugar/fitsync/internal/store"
)

// DataType identifies one resource category. Each category is fetched
// independently; one category's failure never blocks its siblings.
type DataType string

const (
	DataActivity  DataType = "activity" // steps, distance, calories
	DataHeartRate DataType = "heartrate"
	DataHRV       DataType = "hrv"
	DataSleep     DataType = "sleep"
	DataWeight    DataType = "weight"
	DataVitals    DataType = "vitals" // SpO2, respiratory rate, temperature, blood pressure
	DataWorkouts  DataType = "workouts"
)

// Fetcher pulls one resource category for a window and normalizes it into
// day patches. Fetchers may return patches alongside an error: whatever was
// fetched before the failure is still committed.
type Fetcher interface {
	Type() DataType
	Fetch(ctx context.Context, userID string, win Window) ([]store.DayPatch, error)
}

// DefaultFetchers returns one fetcher per supported category.
func DefaultFetchers(client *fitbit.Client) []Fetcher {
	return []Fetcher{
		activityFetcher{client},
		heartRateFetcher{client},
		hrvFetcher{client},
		sleepFetcher{client},
		weightFetcher{client},
		vitalsFetcher{client},
		workoutsFetcher{client},
	}
}

// patchSet accumulates partial patches keyed by day, merging multiple
// provider entries that land on the same date.
type patchSet map[time.Time]*store.MetricPatch

func (ps patchSet) at(date time.Time) *store.MetricPatch {
	key := dateOnly(date)
	if p, ok := ps[key]; ok {
		return p
	}
	p := &store.MetricPatch{}
	ps[key] = p
	return p
}

func (ps patchSet) patches() []store.DayPatch {
	out := make([]store.DayPatch, 0, len(ps))
	for date, p := range ps {
		out = append(out, store.DayPatch{Date: date, Patch: *p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func parseDay(s string) (time.Time, bool) {
	if len(s) > 10 {
		s = s[:10]
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func stringPtr(v string) *string  { return &v }

// activityFetcher pulls the daily activity summary day by day; the endpoint
// has no range form. Individual day failures are skipped so a single bad day
// can't sink the whole window.
type activityFetcher struct{ client *fitbit.Client }

func (f activityFetcher) Type() DataType { return DataActivity }

func (f activityFetcher) Fetch(ctx context.Context, userID string, win Window) ([]store.DayPatch, error) {
	ps := patchSet{}
	var lastErr error
	for _, day := range win.Days() {
		summary, err := f.client.ActivitySummary(ctx, userID, day)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		p := ps.at(day)
		p.Steps = intPtr(summary.Summary.Steps)
		p.Calories = intPtr(summary.Summary.ActivityCalories)
		p.Distance = floatPtr(summary.TotalDistance())
	}
	if len(ps) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return ps.patches(), lastErr
}

// heartRateFetcher pulls the per-day heart rate summary (resting HR).
type heartRateFetcher struct{ client *fitbit.Client }

func (f heartRateFetcher) Type() DataType { return DataHeartRate }

func (f heartRateFetcher) Fetch(ctx context.Context, userID string, win Window) ([]store.DayPatch, error) {
	ps := patchSet{}
	var lastErr error
	for _, day := range win.Days() {
		hr, err := f.client.HeartRateByDate(ctx, userID, day)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		for _, entry := range hr.ActivitiesHeart {
			if entry.Value.RestingHeartRate <= 0 {
				continue
			}
			date, ok := parseDay(entry.DateTime)
			if !ok {
				date = day
			}
			ps.at(date).RestingHeartRate = intPtr(entry.Value.RestingHeartRate)
		}
	}
	if len(ps) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return ps.patches(), lastErr
}

type hrvFetcher struct{ client *fitbit.Client }

func (f hrvFetcher) Type() DataType { return DataHRV }

func (f hrvFetcher) Fetch(ctx context.Context, userID string, win Window) ([]store.DayPatch, error) {
	resp, err := f.client.HRVRange(ctx, userID, win.Start, win.End)
	if err != nil {
		return nil, err
	}
	ps := patchSet{}
	for _, entry := range resp.HRV {
		date, ok := parseDay(entry.DateTime)
		if !ok {
			continue
		}
		p := ps.at(date)
		p.HRVDailyRmssd = floatPtr(entry.Value.DailyRmssd)
		if entry.Value.DeepRmssd > 0 {
			p.HRVDeepRmssd = floatPtr(entry.Value.DeepRmssd)
		}
	}
	return ps.patches(), nil
}

// sleepDetail is the normalized per-day structured sleep payload.
type sleepDetail struct {
	LogID        int64  `json:"logId"`
	StartTime    string `json:"startTime"`
	EndTime      string `json:"endTime"`
	Efficiency   int    `json:"efficiency"`
	MinutesAwake int    `json:"minutesAwake"`
	MinutesLight int    `json:"minutesLight"`
	MinutesDeep  int    `json:"minutesDeep"`
	MinutesRem   int    `json:"minutesRem"`
}

type sleepFetcher struct{ client *fitbit.Client }

func (f sleepFetcher) Type() DataType { return DataSleep }

func (f sleepFetcher) Fetch(ctx context.Context, userID string, win Window) ([]store.DayPatch, error) {
	resp, err := f.client.SleepRange(ctx, userID, win.Start, win.End)
	if err != nil {
		return nil, err
	}
	ps := patchSet{}
	for _, sleep := range resp.Sleep {
		date, ok := parseDay(sleep.DateOfSleep)
		if !ok {
			continue
		}
		// Naps don't overwrite the night's sleep.
		if !sleep.IsMainSleep {
			continue
		}
		p := ps.at(date)
		p.SleepMinutes = intPtr(sleep.MinutesAsleep)
		detail := sleepDetail{
			LogID:        sleep.LogID,
			StartTime:    sleep.StartTime,
			EndTime:      sleep.EndTime,
			Efficiency:   sleep.Efficiency,
			MinutesAwake: sleep.MinutesAwake,
			MinutesLight: sleep.StageMinutes("light"),
			MinutesDeep:  sleep.StageMinutes("deep"),
			MinutesRem:   sleep.StageMinutes("rem"),
		}
		if raw, err := json.Marshal(detail); err == nil {
			p.SleepDetail = stringPtr(string(raw))
		}
	}
	return ps.patches(), nil
}

type weightFetcher struct{ client *fitbit.Client }

func (f weightFetcher) Type() DataType { return DataWeight }

func (f weightFetcher) Fetch(ctx context.Context, userID string, win Window) ([]store.DayPatch, error) {
	resp, err := f.client.WeightRange(ctx, userID, win.Start, win.End)
	if err != nil {
		return nil, err
	}
	ps := patchSet{}
	for _, entry := range resp.Weight {
		date, ok := parseDay(entry.Date)
		if !ok {
			continue
		}
		ps.at(date).Weight = floatPtr(entry.Weight)
	}
	return ps.patches(), nil
}

// vitalsDetail is the normalized per-day vitals payload stored as JSON
// alongside the dedicated columns.
type vitalsDetail struct {
	SpO2Min   float64 `json:"spo2Min,omitempty"`
	SpO2Max   float64 `json:"spo2Max,omitempty"`
	Systolic  int     `json:"systolic,omitempty"`
	Diastolic int     `json:"diastolic,omitempty"`
}

// vitalsFetcher combines SpO2, respiratory rate, skin temperature and blood
// pressure. Sub-resources that succeed are kept even when a sibling fails;
// the category reports the last sub-error.
type vitalsFetcher struct{ client *fitbit.Client }

func (f vitalsFetcher) Type() DataType { return DataVitals }

func (f vitalsFetcher) Fetch(ctx context.Context, userID string, win Window) ([]store.DayPatch, error) {
	ps := patchSet{}
	details := map[time.Time]*vitalsDetail{}
	detailAt := func(date time.Time) *vitalsDetail {
		key := dateOnly(date)
		if d, ok := details[key]; ok {
			return d
		}
		d := &vitalsDetail{}
		details[key] = d
		return d
	}

	var lastErr error

	if resp, err := f.client.SpO2Range(ctx, userID, win.Start, win.End); err != nil {
		lastErr = fmt.Errorf("spo2: %w", err)
	} else {
		for _, entry := range resp {
			date, ok := parseDay(entry.DateTime)
			if !ok {
				continue
			}
			ps.at(date).OxygenSaturation = floatPtr(entry.Value.Avg)
			d := detailAt(date)
			d.SpO2Min = entry.Value.Min
			d.SpO2Max = entry.Value.Max
		}
	}

	if resp, err := f.client.BreathingRange(ctx, userID, win.Start, win.End); err != nil {
		lastErr = fmt.Errorf("breathing rate: %w", err)
	} else {
		for _, entry := range resp.BR {
			date, ok := parseDay(entry.DateTime)
			if !ok {
				continue
			}
			ps.at(date).RespiratoryRate = floatPtr(entry.Value.BreathingRate)
		}
	}

	if resp, err := f.client.TemperatureRange(ctx, userID, win.Start, win.End); err != nil {
		lastErr = fmt.Errorf("temperature: %w", err)
	} else {
		for _, entry := range resp.TempSkin {
			date, ok := parseDay(entry.DateTime)
			if !ok {
				continue
			}
			ps.at(date).SkinTemperature = floatPtr(entry.Value.NightlyRelative)
		}
	}

	if resp, err := f.client.BloodPressureRange(ctx, userID, win.Start, win.End); err != nil {
		lastErr = fmt.Errorf("blood pressure: %w", err)
	} else {
		for _, entry := range resp.BP {
			date, ok := parseDay(entry.Date)
			if !ok {
				continue
			}
			d := detailAt(date)
			d.Systolic = entry.Systolic
			d.Diastolic = entry.Diastolic
		}
	}

	for date, d := range details {
		if raw, err := json.Marshal(d); err == nil {
			ps.at(date).VitalsData = stringPtr(string(raw))
		}
	}
	return ps.patches(), lastErr
}

// workout is one normalized logged exercise session.
type workout struct {
	LogID       int64   `json:"logId"`
	Name        string  `json:"name"`
	StartTime   string  `json:"startTime"`
	DurationMin int     `json:"durationMin"`
	Calories    int     `json:"calories"`
	Distance    float64 `json:"distance,omitempty"`
	Steps       int     `json:"steps,omitempty"`
}

type workoutsFetcher struct{ client *fitbit.Client }

func (f workoutsFetcher) Type() DataType { return DataWorkouts }

func (f workoutsFetcher) Fetch(ctx context.Context, userID string, win Window) ([]store.DayPatch, error) {
	resp, err := f.client.ActivityLogs(ctx, userID, win.Start)
	if err != nil {
		return nil, err
	}
	byDay := map[time.Time][]workout{}
	for _, entry := range resp.Activities {
		date, ok := parseDay(entry.StartTime)
		if !ok {
			continue
		}
		byDay[dateOnly(date)] = append(byDay[dateOnly(date)], workout{
			LogID:       entry.LogID,
			Name:        entry.ActivityName,
			StartTime:   entry.StartTime,
			DurationMin: int(entry.DurationMS / 60000),
			Calories:    entry.Calories,
			Distance:    entry.Distance,
			Steps:       entry.Steps,
		})
	}
	ps := patchSet{}
	for date, workouts := range byDay {
		if raw, err := json.Marshal(workouts); err == nil {
			ps.at(date).Workouts = stringPtr(string(raw))
		}
	}
	return ps.patches(), nil
}
