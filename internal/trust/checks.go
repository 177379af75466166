package trust

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// ErrStructural marks data that failed presence or range checks. It is not
// retryable.
var ErrStructural = errors.New("trust: structural data error")

// StructuralError lists every problem found in one reading.
type StructuralError struct {
	Problems []string
}

func (e *StructuralError) Error() string {
	return "structural data error: " + strings.Join(e.Problems, "; ")
}

func (e *StructuralError) Unwrap() error { return ErrStructural }

type bounds struct{ lo, hi float64 }

func (b bounds) contains(v float64) bool { return v >= b.lo && v <= b.hi }

var (
	totalScoreRange  = bounds{0, 200}
	subScoreRange    = bounds{0, 100}
	rateRange        = bounds{0, 100}
	missionCurRange  = bounds{0, 500}
	missionGoalRange = bounds{0, 200}

	riderContribution = bounds{0, 100}
	riderComplete     = bounds{0, 100}
	riderReject       = bounds{0, 50}
	riderCancel       = bounds{0, 30}
)

// ValidateStructure checks required fields and domain ranges. Rider counter
// violations come back as warnings; everything else is a *StructuralError.
func ValidateStructure(r Reading) (warnings []string, err error) {
	var problems []string
	if r.TotalScore == nil {
		problems = append(problems, "total_score missing")
	}
	if r.TotalCompleted == nil {
		problems = append(problems, "total_completed missing")
	}
	if r.AcceptanceRate == nil {
		problems = append(problems, "acceptance_rate missing")
	}

	check := func(name string, p *float64, b bounds) {
		if p != nil && !b.contains(*p) {
			problems = append(problems, fmt.Sprintf("%s out of range (%g, allowed %g-%g)", name, *p, b.lo, b.hi))
		}
	}
	check("total_score", r.TotalScore, totalScoreRange)
	check("volume_score", r.VolumeScore, subScoreRange)
	check("acceptance_score", r.AcceptanceScore, subScoreRange)
	check("acceptance_rate", r.AcceptanceRate, rateRange)
	if r.TotalCompleted != nil && *r.TotalCompleted < 0 {
		problems = append(problems, fmt.Sprintf("total_completed negative (%d)", *r.TotalCompleted))
	}

	for _, k := range sortedMissionKeys(r.Missions) {
		m := r.Missions[k]
		if !missionCurRange.contains(float64(m.Current)) {
			problems = append(problems, fmt.Sprintf("%s.current out of range (%d)", k, m.Current))
		}
		if !missionGoalRange.contains(float64(m.Target)) {
			problems = append(problems, fmt.Sprintf("%s.target out of range (%d)", k, m.Target))
		}
	}

	for i, rd := range r.Riders {
		if strings.TrimSpace(rd.Name) == "" {
			problems = append(problems, fmt.Sprintf("rider[%d] has no name", i))
		}
		warn := func(field string, v float64, b bounds) {
			if !b.contains(v) {
				warnings = append(warnings, fmt.Sprintf("rider[%d].%s out of range (%g)", i, field, v))
			}
		}
		warn("contribution", rd.Contribution, riderContribution)
		warn("complete", float64(rd.Complete), riderComplete)
		warn("reject", float64(rd.Reject), riderReject)
		warn("cancel", float64(rd.Cancel), riderCancel)
	}

	if len(problems) > 0 {
		return warnings, &StructuralError{Problems: problems}
	}
	return warnings, nil
}

// Freshness returns warnings for stale readings. It never fails the check.
func Freshness(r Reading, now time.Time, maxAge time.Duration) []string {
	var out []string
	if !r.CollectedAt.IsZero() && maxAge > 0 {
		if age := now.Sub(r.CollectedAt); age > maxAge {
			out = append(out, fmt.Sprintf("reading is %.1f minutes old", age.Minutes()))
		}
	}
	if r.MissionDate != "" {
		today := now.Format(time.DateOnly)
		if r.MissionDate != today {
			out = append(out, fmt.Sprintf("mission date %s is not today (%s)", r.MissionDate, today))
		}
	}
	return out
}

// Difference is one field that disagrees between the two readings.
type Difference struct {
	Field     string  `json:"field"`
	Primary   float64 `json:"primary"`
	Secondary float64 `json:"secondary"`
	Delta     float64 `json:"delta"`
}

// Compare sums absolute differences across tracked fields and maps the total
// onto [0,1]. Mission counters within noise of each other are ignored.
func Compare(primary, secondary Reading, normalization, noise float64) (float64, []Difference) {
	if normalization <= 0 {
		normalization = 100
	}
	var (
		total float64
		diffs []Difference
	)
	add := func(field string, a, b float64) {
		d := math.Abs(a - b)
		if d == 0 {
			return
		}
		total += d
		diffs = append(diffs, Difference{Field: field, Primary: a, Secondary: b, Delta: d})
	}
	add("total_score", deref(primary.TotalScore), deref(secondary.TotalScore))
	add("total_completed", float64(deref(primary.TotalCompleted)), float64(deref(secondary.TotalCompleted)))
	add("acceptance_rate", deref(primary.AcceptanceRate), deref(secondary.AcceptanceRate))

	for _, k := range MissionKeys {
		a, okA := primary.Missions[k]
		b, okB := secondary.Missions[k]
		if !okA && !okB {
			continue
		}
		if math.Abs(float64(a.Current-b.Current)) > noise {
			add(k+".current", float64(a.Current), float64(b.Current))
		}
	}

	return math.Max(0, 1-total/normalization), diffs
}

// DetectAnomalies applies plausibility rules to a single reading and returns
// the accumulated risk, capped at 1.
func DetectAnomalies(r Reading) (float64, []string) {
	var (
		risk float64
		out  []string
	)
	flag := func(weight float64, format string, args ...any) {
		risk += weight
		out = append(out, fmt.Sprintf(format, args...))
	}

	if r.TotalScore != nil {
		switch s := *r.TotalScore; {
		case s < 50:
			flag(0.3, "total score unusually low (%g)", s)
		case s > 150:
			flag(0.2, "total score unusually high (%g)", s)
		}
	}
	if r.AcceptanceRate != nil {
		switch a := *r.AcceptanceRate; {
		case a < 50:
			flag(0.4, "acceptance rate unusually low (%g%%)", a)
		case a > 99:
			flag(0.2, "acceptance rate implausibly high (%g%%)", a)
		}
	}
	for _, k := range sortedMissionKeys(r.Missions) {
		m := r.Missions[k]
		if m.Target <= 0 {
			continue
		}
		if dev := math.Abs(float64(m.Current-m.Target)) / float64(m.Target); dev > 0.5 {
			flag(0.1, "%s deviates %.0f%% from target", k, dev*100)
		}
	}
	switch n := len(r.Riders); {
	case n == 0:
		flag(0.2, "no riders reported")
	case n > 100:
		flag(0.1, "implausible rider count (%d)", n)
	}

	return math.Min(risk, 1), out
}

// sortedMissionKeys yields known missions first, then any extras sorted.
func sortedMissionKeys(m map[string]Mission) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	known := make(map[string]struct{}, len(MissionKeys))
	for _, k := range MissionKeys {
		known[k] = struct{}{}
		if _, ok := m[k]; ok {
			out = append(out, k)
		}
	}
	var extra []string
	for k := range m {
		if _, ok := known[k]; !ok {
			extra = append(extra, k)
		}
	}
	slices.Sort(extra)
	return append(out, extra...)
}
