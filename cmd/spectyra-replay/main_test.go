package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spectyra/spectyra-core/internal/optimizer"
	"github.com/spectyra/spectyra-core/internal/quality"
	"github.com/spectyra/spectyra-core/internal/replay"
)

func writeArchive(t *testing.T, path string, snaps []replay.Snapshot) {
	t.Helper()
	w, err := replay.NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, snap := range snaps {
		if err := w.Append(snap); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func priceSnapshot(turn int, response string, recordedPass bool) replay.Snapshot {
	return replay.Snapshot{
		ScenarioID:   "billing-faq",
		TurnIndex:    turn,
		RecordedAtMs: 1700000000000,
		UserMessage:  "What does the pro plan cost per seat?",
		Checks:       []quality.Check{{Name: "mentions_price", Pattern: `\$49`}},
		Result: optimizer.TurnResult{
			ResponseText: response,
			Quality:      quality.Result{Pass: recordedPass},
		},
	}
}

func TestRunReplay_CleanArchivePasses(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "billing-faq.jsonl.zst")
	writeArchive(t, path, []replay.Snapshot{
		priceSnapshot(0, "The pro plan is $49 per seat per month.", true),
		priceSnapshot(1, "Yes, the $49 price includes priority support.", true),
	})

	report, err := runReplay(path, nil)
	if err != nil {
		t.Fatalf("runReplay: %v", err)
	}
	if report.Status != "pass" {
		t.Fatalf("expected pass, got %+v", report)
	}
	if report.Snapshots != 2 || report.Rescored != 2 || report.Skipped != 0 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	if report.Drift != 0 || report.Truncated {
		t.Fatalf("clean archive must not drift or truncate: %+v", report)
	}
	if len(report.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", report.Failures)
	}
}

func TestRunReplay_FailingSnapshotReported(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "billing-faq.jsonl.zst")
	writeArchive(t, path, []replay.Snapshot{
		priceSnapshot(0, "The pro plan is $49 per seat per month.", true),
		priceSnapshot(1, "Plans vary by region.", true),
	})

	report, err := runReplay(path, nil)
	if err != nil {
		t.Fatalf("runReplay: %v", err)
	}
	if report.Status != "fail" {
		t.Fatalf("expected fail, got %+v", report)
	}
	if report.Rescored != 2 || report.Drift != 1 {
		t.Fatalf("expected one drifting snapshot: %+v", report)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("expected one failure, got %+v", report.Failures)
	}
	fail := report.Failures[0]
	if fail.Scenario != "billing-faq" || fail.Turn != 2 {
		t.Fatalf("unexpected failure location: %+v", fail)
	}
	if len(fail.Failed) != 1 || fail.Failed[0] != "mentions_price" {
		t.Fatalf("unexpected failed checks: %+v", fail)
	}
}

func TestRunReplay_SkipsSnapshotsWithoutChecksOrResponse(t *testing.T) {
	t.Parallel()

	dryRun := priceSnapshot(0, "", false)
	noChecks := priceSnapshot(1, "The pro plan is $49 per seat per month.", true)
	noChecks.Checks = nil

	path := filepath.Join(t.TempDir(), "billing-faq.jsonl.zst")
	writeArchive(t, path, []replay.Snapshot{dryRun, noChecks})

	report, err := runReplay(path, nil)
	if err != nil {
		t.Fatalf("runReplay: %v", err)
	}
	if report.Snapshots != 2 || report.Skipped != 2 || report.Rescored != 0 {
		t.Fatalf("unexpected counts: %+v", report)
	}
	if report.Status != "pass" {
		t.Fatalf("skipped-only archives still pass, got %+v", report)
	}
}

func TestRunReplay_TruncatedArchive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "billing-faq.jsonl.zst")
	writeArchive(t, path, []replay.Snapshot{
		priceSnapshot(0, "The pro plan is $49 per seat per month.", true),
		priceSnapshot(1, "Yes, the $49 price includes priority support.", true),
		priceSnapshot(2, "The $49 price is billed monthly per seat.", true),
	})

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()/2); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	report, err := runReplay(path, nil)
	if err != nil {
		t.Fatalf("truncation is reported, not returned: %v", err)
	}
	if !report.Truncated {
		t.Fatalf("expected truncated archive: %+v", report)
	}
	if report.Status != "fail" {
		t.Fatalf("truncated archives fail, got %+v", report)
	}
}

func TestRunReplay_PrintsSnapshots(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "billing-faq.jsonl.zst")
	writeArchive(t, path, []replay.Snapshot{
		priceSnapshot(0, "The pro plan is $49 per seat per month.", true),
		priceSnapshot(1, "Yes, the $49 price includes priority support.", true),
	})

	var raw bytes.Buffer
	report, err := runReplay(path, &raw)
	if err != nil {
		t.Fatalf("runReplay: %v", err)
	}
	if report.Snapshots != 2 {
		t.Fatalf("unexpected snapshot count: %+v", report)
	}

	dec := json.NewDecoder(&raw)
	for i := 0; i < 2; i++ {
		var snap replay.Snapshot
		if err := dec.Decode(&snap); err != nil {
			t.Fatalf("decode printed snapshot %d: %v", i, err)
		}
		if snap.ScenarioID != "billing-faq" || snap.TurnIndex != i {
			t.Fatalf("unexpected printed snapshot: %+v", snap)
		}
	}
	if dec.More() {
		t.Fatalf("expected exactly 2 printed snapshots")
	}
}

func TestRunReplay_MissingArchive(t *testing.T) {
	t.Parallel()

	_, err := runReplay(filepath.Join(t.TempDir(), "absent.jsonl.zst"), io.Discard)
	if err == nil {
		t.Fatalf("expected an error for a missing archive")
	}
}
