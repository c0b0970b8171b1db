package crawl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"blogarchive/crawler"
	"blogarchive/log"

	"github.com/google/uuid"
)

// FileLogger writes the log of one crawl to <dir>/<crawl id>.log. Blobs go next to it
type FileLogger struct {
	*crawler.ZeroLogger

	file    *os.File
	dir     string
	crawlId uuid.UUID
}

func NewFileLogger(dir string, crawlId uuid.UUID) (*FileLogger, error) {
	file, err := os.Create(filepath.Join(dir, crawlId.String()+".log"))
	if err != nil {
		return nil, err
	}

	taskLogger := log.NewWriterTaskLogger(file, "crawl_id", crawlId.String())
	logger := &FileLogger{
		ZeroLogger: crawler.NewZeroLogger(taskLogger),
		file:       file,
		dir:        dir,
		crawlId:    crawlId,
	}
	logger.MaybeLogBlob = logger.writeBlob
	return logger, nil
}

func (l *FileLogger) writeBlob(key string, value []byte) {
	safeKey := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' {
			return r
		}
		return '_'
	}, key)
	filename := filepath.Join(l.dir, fmt.Sprintf("%s_%s", l.crawlId, safeKey))
	if err := os.WriteFile(filename, value, 0644); err != nil {
		l.Warn("Couldn't write blob %s: %v", key, err)
		return
	}
	l.Info("Blob %s written to %s (%d bytes)", key, filename, len(value))
}

func (l *FileLogger) Close() error {
	return l.file.Close()
}

func newStderrLogger(crawlId uuid.UUID) crawler.Logger {
	return crawler.NewZeroLogger(log.NewTaskLogger("crawl_id", crawlId.String()))
}
