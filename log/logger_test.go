package log

import (
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		filter   *regexp.Regexp
		category string
		wantLogs int
	}{
		{name: "no_filter", category: "Registry:Acquire", wantLogs: 1},
		{name: "match", filter: regexp.MustCompile("^Registry"), category: "Registry:Acquire", wantLogs: 1},
		{name: "no_match", filter: regexp.MustCompile("^Session"), category: "Registry:Acquire", wantLogs: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ll, hook := test.NewNullLogger()
			ll.SetLevel(logrus.DebugLevel)

			l := New(ll, tt.filter)
			l.Debugf(tt.category, "acquired %q", "vu-1")

			entries := hook.AllEntries()
			require.Len(t, entries, tt.wantLogs)
			if tt.wantLogs == 0 {
				return
			}
			assert.Equal(t, `acquired "vu-1"`, entries[0].Message)
			assert.Equal(t, tt.category, entries[0].Data["category"])
			assert.Equal(t, logrus.DebugLevel, entries[0].Level)
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	t.Parallel()

	ll, hook := test.NewNullLogger()
	ll.SetLevel(logrus.WarnLevel)
	l := New(ll, nil)

	l.Debugf("c", "debug")
	l.Infof("c", "info")
	l.Warnf("c", "warn")
	l.Errorf("c", "error")

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0].Message)
	assert.Equal(t, "error", entries[1].Message)
	assert.False(t, l.DebugMode())

	ll.SetLevel(logrus.DebugLevel)
	assert.True(t, l.DebugMode())
}

func TestNilLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l *Logger
	assert.NotPanics(t, func() { l.Errorf("c", "nothing") })
	assert.NotPanics(t, func() { NullLogger().Errorf("c", "discarded") })
}
