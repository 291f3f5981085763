package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"labpipe/internal/track"
	"labpipe/internal/workspace"
)

func runCapture(t *testing.T, run func(cmd *cobra.Command, args []string) error) string {
	t.Helper()
	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	if err := run(cmd, nil); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func TestStatusEmptyTracker(t *testing.T) {
	settings = workspace.Defaults(t.TempDir())
	out := runCapture(t, runStatus)
	if !strings.Contains(out, "No tracked input files") {
		t.Errorf("output = %q", out)
	}
}

func TestStatusListsStages(t *testing.T) {
	settings = workspace.Defaults(t.TempDir())
	tr, err := track.Open(settings.TrackerPath())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tr.Register("nd", "jan.zip", "f1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := tr.Register("nd", "feb.zip", "f2"); err != nil {
		t.Fatal(err)
	}
	if err := tr.MarkConverted("nd", "jan.zip", "jan.csv", 10); err != nil {
		t.Fatal(err)
	}
	tr.Close()

	out := runCapture(t, runStatus)
	for _, want := range []string{"Lab: nd", "DISCOVERED (1)", "feb.zip", "CONVERTED (1)", "jan.zip"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestReportNoFinalDataset(t *testing.T) {
	settings = workspace.Defaults(t.TempDir())
	out := runCapture(t, runReport)
	if !strings.Contains(out, "No oddities") {
		t.Errorf("output = %q", out)
	}
}
