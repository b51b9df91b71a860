package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantErr  string
	}{
		{name: "help", args: []string{"-h"}, wantCode: exitOK},
		{name: "unknown_flag", args: []string{"-nope"}, wantCode: exitBadArgs, wantErr: "flag provided but not defined"},
		{name: "no_workers", args: []string{"-workers", "0"}, wantCode: exitBadArgs, wantErr: "-workers must be at least 1"},
		{name: "no_driver", args: []string{"-workers", "2"}, wantCode: exitBadArgs, wantErr: "no driver executable"},
		{
			name:     "missing_config",
			args:     []string{"-config", "/does/not/exist.yaml"},
			wantCode: exitBadArgs,
			wantErr:  "exist.yaml",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tt.args, &stdout, &stderr)
			assert.Equal(t, tt.wantCode, code)
			assert.Contains(t, stderr.String(), tt.wantErr)
			assert.Empty(t, stdout.String())
		})
	}
}

func TestRunMissingDriver(t *testing.T) {
	driver := filepath.Join(t.TempDir(), "chromedriver")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-workers", "3", "-driver", driver, "-no-color"}, &stdout, &stderr)
	require.Equal(t, exitFailed, code)

	out := stdout.String()
	assert.Equal(t, 3, strings.Count(out, "FAIL "))
	for _, id := range []string{"probe-1", "probe-2", "probe-3"} {
		assert.Contains(t, out, id)
	}
	assert.Contains(t, out, "file does not exist")
	assert.Contains(t, out, "0/3 sessions opened")
}
