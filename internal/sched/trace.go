package sched

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// TraceWriter records scheduler events as CSV rows, one per event.
type TraceWriter struct {
	f *os.File
	w *csv.Writer
}

// NewTraceWriter opens path for writing and emits the header row.
func NewTraceWriter(path string) (*TraceWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"timestamp", "event", "core", "task_id", "vruntime", "ran_ticks"}); err != nil {
		f.Close()
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	w.Flush()
	return &TraceWriter{f: f, w: w}, nil
}

// Write appends one event row and flushes it.
func (tw *TraceWriter) Write(ev Event) error {
	rec := []string{
		ev.Time.Format(time.RFC3339Nano),
		ev.Kind.String(),
		strconv.Itoa(int(ev.Core)),
		strconv.FormatUint(uint64(ev.TaskID), 10),
		fmt.Sprintf("%.4f", ev.Vruntime),
		strconv.FormatInt(ev.RanTicks, 10),
	}
	if err := tw.w.Write(rec); err != nil {
		return err
	}
	tw.w.Flush()
	return tw.w.Error()
}

// Close flushes and closes the underlying file.
func (tw *TraceWriter) Close() error {
	tw.w.Flush()
	if err := tw.w.Error(); err != nil {
		tw.f.Close()
		return err
	}
	return tw.f.Close()
}
