package fitbit

// Response shapes for the Fitbit Web API endpoints the sync engine reads.
// Only fields the normalizers consume are modeled.

// ActivitySummary is the daily activity summary (steps, calories, distance).
type ActivitySummary struct {
	Summary struct {
		Steps            int `json:"steps"`
		ActivityCalories int `json:"activityCalories"`
		Distances        []struct {
			Activity string  `json:"activity"`
			Distance float64 `json:"distance"`
		} `json:"distances"`
	} `json:"summary"`
}

// TotalDistance returns the "total" distance entry, or 0 when absent.
func (a *ActivitySummary) TotalDistance() float64 {
	for _, d := range a.Summary.Distances {
		if d.Activity == "total" {
			return d.Distance
		}
	}
	return 0
}

// HeartRateZone is one named zone with minutes spent in it.
type HeartRateZone struct {
	Name    string `json:"name"`
	Minutes int    `json:"minutes"`
}

// HeartRateResponse is the per-day heart rate summary.
type HeartRateResponse struct {
	ActivitiesHeart []struct {
		DateTime string `json:"dateTime"`
		Value    struct {
			RestingHeartRate int             `json:"restingHeartRate"`
			HeartRateZones   []HeartRateZone `json:"heartRateZones"`
		} `json:"value"`
	} `json:"activities-heart"`
}

// HRVResponse is a date-range heart-rate-variability response.
type HRVResponse struct {
	HRV []struct {
		DateTime string `json:"dateTime"`
		Value    struct {
			DailyRmssd float64 `json:"dailyRmssd"`
			DeepRmssd  float64 `json:"deepRmssd"`
		} `json:"value"`
	} `json:"hrv"`
}

// SleepStageSummary is minutes in one sleep stage.
type SleepStageSummary struct {
	Minutes int `json:"minutes"`
}

// SleepLog is one sleep session.
type SleepLog struct {
	LogID         int64  `json:"logId"`
	DateOfSleep   string `json:"dateOfSleep"`
	StartTime     string `json:"startTime"`
	EndTime       string `json:"endTime"`
	MinutesAsleep int    `json:"minutesAsleep"`
	MinutesAwake  int    `json:"minutesAwake"`
	Efficiency    int    `json:"efficiency"`
	IsMainSleep   bool   `json:"isMainSleep"`
	Type          string `json:"type"` // "stages" or "classic"
	Levels        struct {
		Summary map[string]SleepStageSummary `json:"summary"`
		Data    []struct {
			DateTime string `json:"dateTime"`
			Level    string `json:"level"`
			Seconds  int    `json:"seconds"`
		} `json:"data"`
	} `json:"levels"`
}

// StageMinutes returns minutes spent in the named stage for stage-typed logs.
func (s *SleepLog) StageMinutes(stage string) int {
	if s.Type != "stages" {
		return 0
	}
	return s.Levels.Summary[stage].Minutes
}

// SleepResponse is a date-range sleep response.
type SleepResponse struct {
	Sleep []SleepLog `json:"sleep"`
}

// BreathingResponse is a date-range respiratory rate response.
type BreathingResponse struct {
	BR []struct {
		DateTime string `json:"dateTime"`
		Value    struct {
			BreathingRate float64 `json:"breathingRate"`
		} `json:"value"`
	} `json:"br"`
}

// TemperatureResponse is a date-range skin temperature response.
type TemperatureResponse struct {
	TempSkin []struct {
		DateTime string `json:"dateTime"`
		Value    struct {
			NightlyRelative float64 `json:"nightlyRelative"`
		} `json:"value"`
	} `json:"tempSkin"`
}

// SpO2Response is a date-range blood oxygen saturation response.
type SpO2Response []SpO2Day

// SpO2Day is one day of SpO2 values.
type SpO2Day struct {
	DateTime string `json:"dateTime"`
	Value    struct {
		Avg float64 `json:"avg"`
		Min float64 `json:"min"`
		Max float64 `json:"max"`
	} `json:"value"`
}

// BloodPressureResponse is a date-range blood pressure log response.
type BloodPressureResponse struct {
	BP []struct {
		Date      string `json:"date"`
		Systolic  int    `json:"systolic"`
		Diastolic int    `json:"diastolic"`
	} `json:"bp"`
}

// WeightResponse is a date-range body weight log response.
type WeightResponse struct {
	Weight []struct {
		Date   string  `json:"date"`
		Weight float64 `json:"weight"`
	} `json:"weight"`
}

// ActivityLog is one logged workout from the activity list endpoint.
type ActivityLog struct {
	LogID        int64   `json:"logId"`
	ActivityName string  `json:"activityName"`
	StartTime    string  `json:"startTime"`
	DurationMS   int64   `json:"duration"`
	Calories     int     `json:"calories"`
	Distance     float64 `json:"distance"`
	Steps        int     `json:"steps"`
}

// ActivityLogList is the paged workout list response.
type ActivityLogList struct {
	Activities []ActivityLog `json:"activities"`
}

// apiErrorBody is Fitbit's error envelope.
type apiErrorBody struct {
	Errors []struct {
		ErrorType string `json:"errorType"`
		Message   string `json:"message"`
	} `json:"errors"`
}
