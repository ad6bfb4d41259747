package uploader

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Result accumulates the outcome of a session. Errors holds one
// human-readable message per failure; the run continues past them.
type Result struct {
	mu sync.Mutex

	StartTime time.Time
	EndTime   time.Time
	Errors    []string
}

func newResult(now time.Time) *Result {
	return &Result{StartTime: now}
}

// AddError records a failure message. Safe for concurrent use.
func (r *Result) AddError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Errors = append(r.Errors, msg)
}

func (r *Result) addErrorf(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	r.AddError(msg)

	return msg
}

func (r *Result) finish(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.EndTime = now
}

// Success reports whether no errors were recorded.
func (r *Result) Success() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.Errors) == 0
}

// Duration is EndTime minus StartTime.
func (r *Result) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.EndTime.Sub(r.StartTime)
}

// Err joins all recorded messages, or returns nil on success.
func (r *Result) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.Errors) == 0 {
		return nil
	}

	errs := make([]error, len(r.Errors))
	for i, msg := range r.Errors {
		errs[i] = errors.New(msg)
	}

	return errors.Join(errs...)
}

type report struct {
	Success  bool      `yaml:"success"`
	Start    time.Time `yaml:"start_time"`
	End      time.Time `yaml:"end_time"`
	Duration string    `yaml:"duration"`
	Errors   []string  `yaml:"errors"`
}

// WriteYAML writes a summary of the run to w.
func (r *Result) WriteYAML(w io.Writer) error {
	r.mu.Lock()
	rep := report{
		Success:  len(r.Errors) == 0,
		Start:    r.StartTime,
		End:      r.EndTime,
		Duration: r.EndTime.Sub(r.StartTime).Round(time.Millisecond).String(),
		Errors:   append([]string{}, r.Errors...),
	}
	r.mu.Unlock()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	return enc.Close()
}
