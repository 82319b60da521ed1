package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"corrwatch/internal/config"
	"corrwatch/internal/logging"
)

// StartFileTail follows each configured log file, reading new lines as the
// configured source kind. Truncation or rotation reopens the file.
func StartFileTail(ctx context.Context, cfg *config.Manager, pipeline *Pipeline, logger *slog.Logger) {
	if logger == nil {
		logger = logging.Discard()
	}
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		logger.Info("file tail ingest disabled")
		return
	}
	for _, f := range current.Files {
		logger.Info("file tail ingest enabled", "path", f.Path, "kind", f.Kind, "start_at_end", current.StartAtEnd)
		go tailFile(ctx, f, current.StartAtEnd, pipeline, logger)
	}
}

func tailFile(ctx context.Context, src config.TailFile, startAtEnd bool, pipeline *Pipeline, logger *slog.Logger) {
	var file *os.File
	var offset int64
	parser := NewParser()
	for {
		select {
		case <-ctx.Done():
			if file != nil {
				_ = file.Close()
			}
			return
		default:
		}
		if file == nil {
			f, err := os.Open(src.Path)
			if err != nil {
				logger.Warn("tail open failed", "path", src.Path, "err", err)
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
			}
		}

		reader := bufio.NewReader(file)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					if line != "" {
						// partial line: rewind so it is read whole next time
						if _, serr := file.Seek(offset, io.SeekStart); serr == nil {
							reader.Reset(file)
						}
					}
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(src.Path)
					if statErr != nil || info.Size() < offset {
						_ = file.Close()
						file = nil
						startAtEnd = false
						break
					}
					continue
				}
				logger.Warn("tail read error", "path", src.Path, "err", err)
				_ = file.Close()
				file = nil
				break
			}
			offset += int64(len(line))
			processLineAs(src.Kind, parser, pipeline, logger, line, "file_tail")
		}
	}
}
