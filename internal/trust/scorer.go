package trust

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	logx "reportbot/pkg/logx"
)

type Status string

const (
	StatusValid      Status = "VALID"
	StatusSuspicious Status = "SUSPICIOUS"
	StatusInvalid    Status = "INVALID"
	StatusError      Status = "ERROR"
)

// Result is the verdict for one reading.
type Result struct {
	DataID      string       `json:"data_id"`
	Status      Status       `json:"status"`
	Confidence  float64      `json:"confidence"`
	Similarity  float64      `json:"similarity"`
	Risk        float64      `json:"risk"`
	Primary     Reading      `json:"primary"`
	Secondary   *Reading     `json:"secondary,omitempty"`
	Differences []Difference `json:"differences,omitempty"`
	Warnings    []string     `json:"warnings,omitempty"`
	Errors      []string     `json:"errors,omitempty"`
	Anomalies   []string     `json:"anomalies,omitempty"`
	CheckedAt   time.Time    `json:"checked_at"`
}

// SecondarySource fetches an independent reading of the same dataset. A nil
// reading with a nil error means the source had nothing for tag.
type SecondarySource interface {
	Fetch(ctx context.Context, tag string) (*Reading, error)
}

type Config struct {
	ValidThreshold      float64
	SuspiciousThreshold float64
	Normalization       float64
	NoiseTolerance      float64
	MaxAge              time.Duration
	FetchTimeout        time.Duration
	HistorySize         int
}

func DefaultConfig() Config {
	return Config{
		ValidThreshold:      0.7,
		SuspiciousThreshold: 0.5,
		Normalization:       100,
		NoiseTolerance:      2,
		MaxAge:              30 * time.Minute,
		FetchTimeout:        10 * time.Second,
		HistorySize:         50,
	}
}

func (c *Config) Validate() error {
	if c.ValidThreshold <= 0 || c.ValidThreshold > 1 {
		return fmt.Errorf("trust.valid_threshold must be in (0,1], got %g", c.ValidThreshold)
	}
	if c.SuspiciousThreshold < 0 || c.SuspiciousThreshold > c.ValidThreshold {
		return fmt.Errorf("trust.suspicious_threshold must be in [0,%g], got %g", c.ValidThreshold, c.SuspiciousThreshold)
	}
	if c.Normalization <= 0 {
		c.Normalization = 100
	}
	if c.NoiseTolerance < 0 {
		c.NoiseTolerance = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	return nil
}

// Stats aggregates every verdict since start.
type Stats struct {
	Total             int            `json:"total"`
	ByStatus          map[Status]int `json:"by_status"`
	AverageConfidence float64        `json:"average_confidence"`
}

// Scorer validates readings against a secondary source and keeps a short
// history of verdicts.
type Scorer struct {
	cfg       Config
	secondary SecondarySource
	now       func() time.Time
	log       logx.Logger

	mu       sync.Mutex
	history  []Result
	next     int
	total    int
	byStatus map[Status]int
	confSum  float64
}

type Option func(*Scorer)

func WithNow(now func() time.Time) Option { return func(s *Scorer) { s.now = now } }

func WithLogger(log logx.Logger) Option { return func(s *Scorer) { s.log = log } }

func NewScorer(cfg Config, secondary SecondarySource, opts ...Option) *Scorer {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	s := &Scorer{
		cfg:       cfg,
		secondary: secondary,
		now:       time.Now,
		log:       logx.Nop(),
		byStatus:  make(map[Status]int, 4),
	}
	for _, o := range opts {
		o(s)
	}
	s.history = make([]Result, 0, cfg.HistorySize)
	return s
}

// Validate runs the structural check, then cross-checks primary against the
// secondary reading for dataID.
func (s *Scorer) Validate(ctx context.Context, dataID string, primary Reading) Result {
	res := Result{DataID: dataID, Primary: primary, CheckedAt: s.now()}
	defer func() { s.remember(res) }()

	warnings, err := ValidateStructure(primary)
	res.Warnings = append(warnings, Freshness(primary, res.CheckedAt, s.cfg.MaxAge)...)
	if err != nil {
		res.Status = StatusInvalid
		var se *StructuralError
		if errors.As(err, &se) {
			res.Errors = se.Problems
		} else {
			res.Errors = []string{err.Error()}
		}
		s.log.Warn("reading failed structural check", logx.String("data_id", dataID), logx.Strings("errors", res.Errors))
		return res
	}

	secondary, err := s.fetchSecondary(ctx, dataID)
	switch {
	case err != nil:
		res.Status = StatusError
		res.Errors = []string{"secondary fetch: " + err.Error()}
		return res
	case secondary == nil:
		res.Status = StatusError
		res.Errors = []string{"secondary reading absent"}
		return res
	}
	res.Secondary = secondary
	if _, err := ValidateStructure(*secondary); err != nil {
		res.Status = StatusError
		res.Errors = []string{"secondary reading: " + err.Error()}
		return res
	}

	res.Similarity, res.Differences = Compare(primary, *secondary, s.cfg.Normalization, s.cfg.NoiseTolerance)
	res.Risk, res.Anomalies = DetectAnomalies(primary)
	res.Confidence = clamp01(res.Similarity * (1 - res.Risk))

	switch {
	case res.Confidence >= s.cfg.ValidThreshold:
		res.Status = StatusValid
	case res.Confidence >= s.cfg.SuspiciousThreshold:
		res.Status = StatusSuspicious
	default:
		res.Status = StatusInvalid
	}
	return res
}

func (s *Scorer) fetchSecondary(ctx context.Context, tag string) (*Reading, error) {
	if s.secondary == nil {
		return nil, errors.New("no secondary source configured")
	}
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}
	return s.secondary.Fetch(ctx, tag)
}

// IsTrustworthy is the single gate the sender consults.
func (s *Scorer) IsTrustworthy(r Result) bool {
	return r.Status == StatusValid && r.Confidence >= s.cfg.ValidThreshold
}

func (s *Scorer) remember(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) < s.cfg.HistorySize {
		s.history = append(s.history, r)
	} else {
		s.history[s.next] = r
	}
	s.next = (s.next + 1) % s.cfg.HistorySize
	s.total++
	s.byStatus[r.Status]++
	s.confSum += r.Confidence
}

func (s *Scorer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Total: s.total, ByStatus: make(map[Status]int, len(s.byStatus))}
	for k, v := range s.byStatus {
		st.ByStatus[k] = v
	}
	if s.total > 0 {
		st.AverageConfidence = s.confSum / float64(s.total)
	}
	return st
}

// History returns up to n most recent results, oldest first.
func (s *Scorer) History(n int) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := len(s.history)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Result, 0, n)
	// oldest retained entry sits at s.next once the ring is full
	start := 0
	if size == s.cfg.HistorySize {
		start = s.next
	}
	for i := size - n; i < size; i++ {
		out = append(out, s.history[(start+i)%size])
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
