package filesource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/query-cache/invalidation"
)

type recordingSub struct{ topics []string }

func (s *recordingSub) ID() string { return "rec" }
func (s *recordingSub) Watch(topics ...string) error {
	s.topics = append(s.topics, topics...)
	return nil
}
func (s *recordingSub) Cancel() {}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLinesYieldsEachLine(t *testing.T) {
	path := writeFile(t, "alpha\nbeta\n\ngamma")

	var got []string
	for line, err := range (Lines{Path: path}).Rows(context.Background()) {
		require.NoError(t, err)
		got = append(got, line)
	}
	assert.Equal(t, []string{"alpha", "beta", "", "gamma"}, got)
}

func TestLinesWatchesAbsolutePath(t *testing.T) {
	path := writeFile(t, "x\n")
	sub := &recordingSub{}
	ctx := invalidation.WithSubscription(context.Background(), sub)

	for range (Lines{Path: path}).Rows(ctx) {
	}

	want, err := Topic(path)
	require.NoError(t, err)
	assert.Equal(t, []string{want}, sub.topics)
	assert.True(t, filepath.IsAbs(sub.topics[0]))
}

func TestLinesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.txt")

	var errs []error
	for _, err := range (Lines{Path: path}).Rows(context.Background()) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], os.ErrNotExist)
}

func TestLinesHonorsCancellation(t *testing.T) {
	path := writeFile(t, "a\nb\nc\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	var last error
	for line, err := range (Lines{Path: path}).Rows(ctx) {
		if err != nil {
			last = err
			break
		}
		got = append(got, line)
		cancel()
	}
	assert.Equal(t, []string{"a"}, got)
	assert.ErrorIs(t, last, context.Canceled)
}
