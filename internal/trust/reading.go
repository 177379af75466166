// Package trust cross-checks two readings of the same dataset and decides
// whether the primary one is safe to publish.
package trust

import (
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"time"
)

// Mission keys as the scraper emits them.
const (
	MissionMorningLunchPeak = "morning_lunch_peak"
	MissionAfternoonOffPeak = "afternoon_off_peak"
	MissionEveningPeak      = "evening_peak"
	MissionLateNightOffPeak = "late_night_off_peak"
)

// MissionKeys lists the tracked missions in display order.
var MissionKeys = []string{
	MissionMorningLunchPeak,
	MissionAfternoonOffPeak,
	MissionEveningPeak,
	MissionLateNightOffPeak,
}

type Mission struct {
	Current int `json:"current"`
	Target  int `json:"target"`
}

type Rider struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution"`
	Complete     int     `json:"complete"`
	Reject       int     `json:"reject"`
	Cancel       int     `json:"cancel"`
}

// Reading is one scrape of the dashboard. Required fields are pointers so a
// missing value is distinguishable from zero.
type Reading struct {
	TotalScore      *float64           `json:"total_score"`
	VolumeScore     *float64           `json:"volume_score,omitempty"`
	AcceptanceScore *float64           `json:"acceptance_score,omitempty"`
	TotalCompleted  *int               `json:"total_completed"`
	TotalRejected   *int               `json:"total_rejected,omitempty"`
	AcceptanceRate  *float64           `json:"acceptance_rate"`
	Missions        map[string]Mission `json:"missions,omitempty"`
	Riders          []Rider            `json:"riders,omitempty"`
	MissionDate     string             `json:"mission_date,omitempty"`
	CollectedAt     time.Time          `json:"collected_at"`
}

// Ptr is a small helper for building readings in code.
func Ptr[T any](v T) *T { return &v }

func deref[T int | float64](p *T) T {
	if p == nil {
		return 0
	}
	return *p
}

// Fingerprint hashes the reading without its collection time, so two
// scrapes of unchanged data share a fingerprint.
func Fingerprint(r Reading) string {
	r.CollectedAt = time.Time{}
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
