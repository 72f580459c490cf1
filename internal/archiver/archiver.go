// Package archiver ages captured run output out of the log directory.
//
// Logs older than a week move to <dir>/recent/, logs in recent/ older than a
// month move to <dir>/archive/YYYY-MM/.
package archiver

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/biostar-central/planetjob/internal/constants"
	"github.com/biostar-central/planetjob/internal/outputlog"
)

const (
	recentName  = "recent"
	archiveName = "archive"
)

// ArchiveOldLogs moves output logs under dir based on their age
func ArchiveOldLogs(dir string, logger *slog.Logger) error {
	return archiveAt(dir, time.Now(), logger)
}

func archiveAt(dir string, now time.Time, logger *slog.Logger) error {
	oneWeekAgo := now.AddDate(0, 0, -constants.LogRecentDays)
	oneMonthAgo := now.AddDate(0, -1, 0)

	recentDir := filepath.Join(dir, recentName)
	archiveDir := filepath.Join(dir, archiveName)

	logger.Debug("starting archive scan",
		slog.String("dir", dir),
		slog.Time("one_week_ago", oneWeekAgo),
		slog.Time("one_month_ago", oneMonthAgo))

	if err := os.MkdirAll(recentDir, 0755); err != nil {
		return fmt.Errorf("failed to create recent dir: %w", err)
	}
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}

	// recent/ first so a log never moves twice in one pass
	if err := processDirectory(recentDir, oneMonthAgo, logger, func(path, name string, modTime time.Time) error {
		return moveToArchiveWithBase(path, name, modTime, archiveDir, logger)
	}); err != nil {
		logger.Error("failed to process recent directory", slog.Any("error", err))
	}

	if err := processDirectory(dir, oneWeekAgo, logger, func(path, name string, _ time.Time) error {
		return moveToRecentWithBase(path, name, recentDir, logger)
	}); err != nil {
		logger.Error("failed to process log directory", slog.Any("error", err))
	}

	return nil
}

// processDirectory applies move to every output log older than ageThreshold
func processDirectory(dirPath string, ageThreshold time.Time, logger *slog.Logger, move func(path, name string, modTime time.Time) error) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read directory %s: %w", dirPath, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, outputlog.Suffix) {
			continue
		}

		fullPath := filepath.Join(dirPath, name)
		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get file info",
				slog.String("path", fullPath),
				slog.Any("error", err))
			continue
		}

		if !info.ModTime().Before(ageThreshold) {
			continue
		}
		if err := move(fullPath, name, info.ModTime()); err != nil {
			logger.Error("failed to move output log",
				slog.String("path", fullPath),
				slog.Any("error", err))
		}
	}

	return nil
}

// moveToArchiveWithBase moves a log into baseArchiveDir/YYYY-MM/
func moveToArchiveWithBase(srcPath, name string, modTime time.Time, baseArchiveDir string, logger *slog.Logger) error {
	yearMonth := modTime.Format("2006-01")
	archiveMonthDir := filepath.Join(baseArchiveDir, yearMonth)
	if err := os.MkdirAll(archiveMonthDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive month dir: %w", err)
	}

	destPath := filepath.Join(archiveMonthDir, name)

	if _, err := os.Stat(destPath); err == nil {
		logger.Warn("destination already exists, skipping",
			slog.String("src", srcPath),
			slog.String("dest", destPath))
		return nil
	}

	if err := os.Rename(srcPath, destPath); err != nil {
		return fmt.Errorf("failed to rename: %w", err)
	}

	logger.Info("moved to archive",
		slog.String("from", srcPath),
		slog.String("to", destPath),
		slog.Time("mod_time", modTime))

	return nil
}

// moveToRecentWithBase moves a log into baseRecentDir
func moveToRecentWithBase(srcPath, name string, baseRecentDir string, logger *slog.Logger) error {
	destPath := filepath.Join(baseRecentDir, name)

	if _, err := os.Stat(destPath); err == nil {
		logger.Warn("destination already exists, skipping",
			slog.String("src", srcPath),
			slog.String("dest", destPath))
		return nil
	}

	if err := os.Rename(srcPath, destPath); err != nil {
		return fmt.Errorf("failed to rename: %w", err)
	}

	logger.Debug("moved to recent",
		slog.String("from", srcPath),
		slog.String("to", destPath))

	return nil
}
