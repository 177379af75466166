// Package holiday supplies public holidays to the schedule clock: a static
// list from config or YAML, and the KASI special-day API.
package holiday

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"

	"reportbot/internal/schedule"
)

const dateLayout = "2006-01-02"

// Static is a fixed set of dates, safe for concurrent use.
type Static struct {
	mu    sync.RWMutex
	dates map[string]string // date -> name
}

var _ schedule.HolidayCalendar = (*Static)(nil)

func NewStatic(dates ...string) (*Static, error) {
	s := &Static{dates: make(map[string]string)}
	for _, d := range dates {
		if err := s.Add(d, ""); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Static) Add(date, name string) error {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return fmt.Errorf("holiday %q: %w", date, err)
	}
	s.mu.Lock()
	s.dates[t.Format(dateLayout)] = name
	s.mu.Unlock()
	return nil
}

func (s *Static) IsHoliday(date time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dates[date.Format(dateLayout)]
	return ok
}

func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dates)
}

type yamlFile struct {
	Holidays []struct {
		Date string `yaml:"date"`
		Name string `yaml:"name"`
	} `yaml:"holidays"`
}

// LoadYAML adds every entry of a file shaped like
//
//	holidays:
//	  - date: 2026-10-03
//	    name: National Foundation Day
func (s *Static) LoadYAML(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f yamlFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("holiday file %s: %w", path, err)
	}
	for _, h := range f.Holidays {
		if err := s.Add(h.Date, h.Name); err != nil {
			return err
		}
	}
	return nil
}

// Chain reports a holiday when any calendar does.
type Chain []schedule.HolidayCalendar

func (c Chain) IsHoliday(date time.Time) bool {
	for _, cal := range c {
		if cal != nil && cal.IsHoliday(date) {
			return true
		}
	}
	return false
}
