// Package outputlog captures the output of an update run to a file next to
// the structured logs, so a failed cron run can be inspected afterwards.
package outputlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const Suffix = "_planet.log"

// File is an open per-run output log.
type File struct {
	Path string
	f    *os.File
}

// Filename returns the log name for a run started at ts.
func Filename(ts time.Time) string {
	return fmt.Sprintf("%d%s", ts.Unix(), Suffix)
}

// Create opens <dir>/<unix-ts>_planet.log and writes a header naming the run.
func Create(dir, runID, command string, started time.Time) (*File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	path := filepath.Join(dir, Filename(started))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output log: %w", err)
	}
	header := fmt.Sprintf("=== RUN %s ===\n\nstarted: %s\ncommand: %s\n\n=== OUTPUT ===\n\n",
		runID, started.Format(time.RFC3339), command)
	if _, err := f.WriteString(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write output log header: %w", err)
	}
	return &File{Path: path, f: f}, nil
}

// Write appends command output to the log.
func (l *File) Write(p []byte) (int, error) {
	return l.f.Write(p)
}

// Tee returns a writer that copies everything to w and the log.
func (l *File) Tee(w io.Writer) io.Writer {
	return io.MultiWriter(w, l)
}

// Finish writes the exit status trailer and closes the file.
func (l *File) Finish(exitCode int, finished time.Time) error {
	trailer := fmt.Sprintf("\n=== EXIT %d at %s ===\n", exitCode, finished.Format(time.RFC3339))
	if _, err := l.f.WriteString(trailer); err != nil {
		l.f.Close()
		return fmt.Errorf("failed to write output log trailer: %w", err)
	}
	return l.f.Close()
}
