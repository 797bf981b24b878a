package main

import (
	"context"
	"testing"
)

func TestRun(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		want int
	}{
		{"help", []string{"--help"}, 0},
		{"version", []string{"--version"}, 0},
		{"unknown flag", []string{"--unknown-flag"}, 1},
		{"unknown command", []string{"frobnicate"}, 1},
		{"validate missing file", []string{"workflow", "validate", "/nonexistent/wf.yaml"}, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Run(context.Background(), tc.args); got != tc.want {
				t.Errorf("Run %v: exit code %d, want %d", tc.args, got, tc.want)
			}
		})
	}
}
