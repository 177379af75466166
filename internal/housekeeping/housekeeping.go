// Package housekeeping runs the periodic maintenance jobs on cron specs:
// ledger retention and the public holiday refresh.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "reportbot/pkg/logx"
)

const maxHistory = 50

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec is a 5-field cron spec or descriptor.
func ValidateSpec(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("housekeeping: bad spec %q: %w", spec, err)
	}
	return nil
}

// Job is one named maintenance task.
type Job struct {
	Name    string
	Spec    string // 5-field cron spec or descriptor (@daily, @every 1h)
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	jobs    []Job
	running map[string]bool

	hmu     sync.Mutex
	history []HistoryItem
}

func New(loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log.With(logx.String("comp", "housekeeping")),
		loc:     loc,
		parser:  specParser,
		running: map[string]bool{},
	}
}

// Add registers j. Jobs added after Start are scheduled immediately.
func (s *Service) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return errors.New("housekeeping: job needs a name and a func")
	}
	if _, err := s.parser.Parse(j.Spec); err != nil {
		return fmt.Errorf("housekeeping: job %s: bad spec %q: %w", j.Name, j.Spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.jobs {
		if have.Name == j.Name {
			return fmt.Errorf("housekeeping: job %s already registered", j.Name)
		}
	}
	s.jobs = append(s.jobs, j)
	if s.c != nil {
		return s.addCronLocked(j)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		if err := s.addCronLocked(j); err != nil {
			s.log.Error("job not scheduled", logx.String("job", j.Name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("housekeeping started", logx.Int("jobs", len(s.jobs)), logx.String("tz", s.loc.String()))
}

// Stop halts the cron and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	cancel()
	<-c.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("housekeeping stop: %w", ctx.Err())
	}
}

// Next reports when each job fires next, keyed by name.
func (s *Service) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	now := time.Now().In(s.loc)
	for _, j := range s.jobs {
		if sched, err := s.parser.Parse(j.Spec); err == nil {
			out[j.Name] = sched.Next(now)
		}
	}
	return out
}

// RunNow executes the named job synchronously, outside the cron.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var job *Job
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			job = &s.jobs[i]
			break
		}
	}
	s.mu.Unlock()
	if job == nil {
		return fmt.Errorf("housekeeping: unknown job %q", name)
	}
	return s.exec(ctx, *job)
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) addCronLocked(j Job) error {
	ctx := s.ctx
	_, err := s.c.AddFunc(j.Spec, func() {
		s.wg.Add(1)
		defer s.wg.Done()
		if err := s.exec(ctx, j); err != nil && !errors.Is(err, errSkipped) {
			s.log.Error("job failed", logx.String("job", j.Name), logx.Err(err))
		}
	})
	return err
}

var errSkipped = errors.New("previous run still active")

// exec runs j unless an earlier run of the same job is still active.
func (s *Service) exec(ctx context.Context, j Job) error {
	s.mu.Lock()
	if s.running[j.Name] {
		s.mu.Unlock()
		s.record(HistoryItem{Name: j.Name, Started: time.Now(), Skipped: true})
		s.log.Warn("job skipped: previous run still active", logx.String("job", j.Name))
		return errSkipped
	}
	s.running[j.Name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, j.Name)
		s.mu.Unlock()
	}()

	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	started := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job %s panicked: %v", j.Name, r)
			}
		}()
		return j.Run(ctx)
	}()
	item := HistoryItem{Name: j.Name, Started: started, Duration: time.Since(started)}
	if err != nil {
		item.Error = err.Error()
	} else {
		s.log.Debug("job done", logx.String("job", j.Name), logx.Duration("took", item.Duration))
	}
	s.record(item)
	return err
}

func (s *Service) record(it HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, it)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}
