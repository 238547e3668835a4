package testenv

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ExampleNewLogHandler() {
	log := slog.New(NewLogHandler())

	log.Info("relay started")
	log.Warn("frame dropped", slog.String("document_id", "42"))
	log.Error("save failed", slog.Int("retry", 1))

	// Output:
	// [0] INFO: relay started
	// [1] WARN: frame dropped document_id=42
	// [2] ERROR: save failed retry=1
}

func ExampleNewLogHandler_groups() {
	log := slog.New(NewLogHandler())

	log.With(slog.String("component", "syncer")).
		WithGroup("save").
		Info("done",
			slog.Duration("took", 15*time.Millisecond),
			slog.Group("doc", slog.Int("id", 7), slog.String("title", "Notes")))

	// Output:
	// [0] INFO: done component=syncer, save.took=15ms, save.doc.id=7, save.doc.title=Notes
}

func ExampleNewLogger() {
	log := NewLogger(WithMinLevel(slog.LevelInfo), WithIgnorePrefixes("rews."))

	log.Debug("hidden")
	log.Warn("rews.Connection lost")
	log.Info("docsync.View closed", "document_id", 3)

	// Output:
	// [0] INFO: docsync.View closed document_id=3
}

func TestLogHandlerSharesIndex(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(NewLogHandler(WithWriter(&buf)))
	derived := base.With("peer", "a")

	base.Info("one")
	derived.Info("two")
	base.WithGroup("").Info("three")

	assert.Equal(t, "[0] INFO: one\n[1] INFO: two peer=a\n[2] INFO: three\n", buf.String())
}

func TestLogHandlerConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewLogHandler(WithWriter(&buf)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				log.Info("tick")
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 200)
	assert.Equal(t, "[199] INFO: tick", lines[199])
}
