// Package filesource reads files as cache sources. Its topics are file paths,
// which is what filewatch.Watcher notifies.
package filesource

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	"github.com/krisalay/query-cache/invalidation"
)

// Lines yields the lines of a file, without their terminators.
type Lines struct {
	Path string
}

// Topic is the invalidation topic for path: its cleaned absolute form.
func Topic(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("filesource: %w", err)
	}
	return filepath.Clean(abs), nil
}

func (l Lines) Rows(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		topic, err := Topic(l.Path)
		if err != nil {
			yield("", err)
			return
		}
		// Watch before opening so a write racing the read is not missed.
		if err := invalidation.Watch(ctx, topic); err != nil {
			yield("", fmt.Errorf("filesource: watch %s: %w", topic, err))
			return
		}

		f, err := os.Open(topic)
		if err != nil {
			yield("", fmt.Errorf("filesource: %w", err))
			return
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(sc.Text(), nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield("", fmt.Errorf("filesource: read %s: %w", topic, err))
		}
	}
}
