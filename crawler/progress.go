package crawler

import (
	"fmt"
	"strings"
)

// ProgressSaver persists what a user watching the crawl sees. Errors can only be ErrCrawlCanceled
type ProgressSaver interface {
	SaveStatusAndCount(status string, maybeCount *int) error
	SaveStatus(status string) error
	SaveCount(maybeCount *int) error
	EmitTelemetry(regressions string, extra map[string]any)
}

// ProgressLogger accumulates the status string: h per html fetch, p/P around a browser fetch, F when
// postprocessing starts and F<n> with the number of pages postprocessing still has to fetch
type ProgressLogger struct {
	Saver  ProgressSaver
	Status string

	prevPostprocessing *bool
	prevFetchedCount   *int
	prevRemainingCount *int
}

func NewProgressLogger(saver ProgressSaver) *ProgressLogger {
	return &ProgressLogger{
		Saver:              saver,
		Status:             "",
		prevPostprocessing: nil,
		prevFetchedCount:   nil,
		prevRemainingCount: nil,
	}
}

func NewMockProgressLogger(logger Logger) *ProgressLogger {
	return NewProgressLogger(NewMockProgressSaver(logger))
}

// LogHtml only appends to the status, the next Save call persists it
func (l *ProgressLogger) LogHtml() {
	l.Status += "h"
}

func (l *ProgressLogger) SaveStatus() error {
	return l.appendAndSave("", false)
}

func (l *ProgressLogger) LogAndSaveBrowserStart() error {
	return l.appendAndSave("p", false)
}

func (l *ProgressLogger) LogAndSaveBrowserFinish() error {
	return l.appendAndSave("P", false)
}

func (l *ProgressLogger) LogAndSavePostprocessing() error {
	return l.appendAndSave("F", true)
}

func (l *ProgressLogger) LogAndSavePostprocessingResetCount() error {
	l.Status += "F"
	if err := l.Saver.SaveStatusAndCount(l.Status, nil); err != nil {
		return err
	}
	l.track(progressUpdate{
		Postprocessing: ptr(true),
		TrackRemaining: true,
		Remaining:      nil,
		TrackFetched:   true,
		Fetched:        nil,
	})
	return nil
}

func (l *ProgressLogger) LogAndSavePostprocessingCounts(fetchedCount, remainingCount int) error {
	l.Status += fmt.Sprintf("F%d", remainingCount)
	if err := l.Saver.SaveStatusAndCount(l.Status, &fetchedCount); err != nil {
		return err
	}
	l.track(progressUpdate{
		Postprocessing: ptr(true),
		TrackRemaining: true,
		Remaining:      &remainingCount,
		TrackFetched:   true,
		Fetched:        &fetchedCount,
	})
	return nil
}

func (l *ProgressLogger) LogAndSaveFetchedCount(maybeFetchedCount *int) error {
	if err := l.Saver.SaveCount(maybeFetchedCount); err != nil {
		return err
	}
	l.track(progressUpdate{
		Postprocessing: nil,
		TrackRemaining: false,
		Remaining:      nil,
		TrackFetched:   true,
		Fetched:        maybeFetchedCount,
	})
	return nil
}

func (l *ProgressLogger) appendAndSave(suffix string, isPostprocessing bool) error {
	l.Status += suffix
	if err := l.Saver.SaveStatus(l.Status); err != nil {
		return err
	}
	l.track(progressUpdate{
		Postprocessing: &isPostprocessing,
		TrackRemaining: true,
		Remaining:      nil,
		TrackFetched:   false,
		Fetched:        nil,
	})
	return nil
}

// nil Postprocessing means the update doesn't say anything about the phase
type progressUpdate struct {
	Postprocessing *bool
	TrackRemaining bool
	Remaining      *int
	TrackFetched   bool
	Fetched        *int
}

// track reports the moments a user would see progress going backwards
func (l *ProgressLogger) track(update progressUpdate) {
	var regressions []string
	extra := make(map[string]any)

	if update.Postprocessing != nil {
		if l.prevPostprocessing != nil && *l.prevPostprocessing && !*update.Postprocessing {
			regressions = append(regressions, "postprocessing_reset")
			extra["status"] = l.Status
		}
		l.prevPostprocessing = update.Postprocessing
	}

	if update.TrackRemaining {
		if l.prevRemainingCount != nil &&
			(update.Remaining == nil || *update.Remaining >= *l.prevRemainingCount) {
			regressions = append(regressions, "remaining_count_up")
			extra["prev_remaining_count"] = *l.prevRemainingCount
			extra["new_remaining_count"] = SprintIntPtr(update.Remaining)
		}
		l.prevRemainingCount = update.Remaining
	}

	if update.TrackFetched {
		if l.prevFetchedCount != nil &&
			(update.Fetched == nil || *update.Fetched < *l.prevFetchedCount) {
			regressions = append(regressions, "fetched_count_down")
			extra["prev_fetched_count"] = *l.prevFetchedCount
			extra["new_fetched_count"] = SprintIntPtr(update.Fetched)
		}
		l.prevFetchedCount = update.Fetched
	}

	if len(regressions) > 0 {
		l.Saver.EmitTelemetry(strings.Join(regressions, ","), extra)
	}
}

func ptr[T any](value T) *T {
	return &value
}

// MockProgressSaver keeps the last saved values and logs the rest
type MockProgressSaver struct {
	Logger      Logger
	Status      string
	MaybeCount  *int
	Regressions []string
}

func NewMockProgressSaver(logger Logger) *MockProgressSaver {
	return &MockProgressSaver{
		Logger:      logger,
		Status:      "",
		MaybeCount:  nil,
		Regressions: nil,
	}
}

func (s *MockProgressSaver) SaveStatusAndCount(status string, maybeCount *int) error {
	s.Logger.Info("Progress save status: %s count: %s", status, SprintIntPtr(maybeCount))
	s.Status = status
	s.MaybeCount = maybeCount
	return nil
}

func (s *MockProgressSaver) SaveStatus(status string) error {
	s.Logger.Info("Progress save status: %s", status)
	s.Status = status
	return nil
}

func (s *MockProgressSaver) SaveCount(maybeCount *int) error {
	s.Logger.Info("Progress save count: %s", SprintIntPtr(maybeCount))
	s.MaybeCount = maybeCount
	return nil
}

func (s *MockProgressSaver) EmitTelemetry(regressions string, extra map[string]any) {
	s.Logger.Info("Progress regression: %s %v", regressions, extra)
	s.Regressions = append(s.Regressions, regressions)
}

func SprintIntPtr(value *int) string {
	if value == nil {
		return "nil"
	}
	return fmt.Sprint(*value)
}
