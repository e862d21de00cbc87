// spectyra-replay re-scores archived optimizer turns offline. It reads a
// snapshot archive written by spectyra-optimize -archive, re-runs the quality
// checks stored with each snapshot, and reports drift against the recorded
// results. No provider is contacted.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spectyra/spectyra-core/internal/quality"
	"github.com/spectyra/spectyra-core/internal/replay"
)

type replayReport struct {
	Archive   string          `json:"archive"`
	Status    string          `json:"status"`
	Snapshots int             `json:"snapshots"`
	Rescored  int             `json:"rescored"`
	Skipped   int             `json:"skipped"`
	Drift     int             `json:"drift"`
	Truncated bool            `json:"truncated"`
	Failures  []replayFailure `json:"failures,omitempty"`
}

type replayFailure struct {
	Scenario string   `json:"scenario,omitempty"`
	Turn     int      `json:"turn"`
	Failed   []string `json:"failed"`
}

func main() {
	archivePath := flag.String("archive", "", "snapshot archive path (.jsonl.zst)")
	strict := flag.Bool("strict", false, "exit nonzero on re-score failures or a truncated archive")
	printRaw := flag.Bool("print", false, "print each snapshot as a JSON line before the report")
	flag.Parse()

	if strings.TrimSpace(*archivePath) == "" {
		fatalf("-archive is required")
	}

	raw := io.Writer(nil)
	if *printRaw {
		raw = os.Stdout
	}
	report, err := runReplay(strings.TrimSpace(*archivePath), raw)
	if err != nil {
		fatalf("replay failed: %v", err)
	}

	b, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(b))

	if !*strict {
		return
	}
	if len(report.Failures) > 0 {
		os.Exit(2)
	}
	if report.Truncated {
		os.Exit(3)
	}
}

// runReplay walks the archive once. Snapshots without stored checks or
// without a response (dry runs) are counted as skipped; a damaged tail sets
// Truncated and keeps every record read before the damage.
func runReplay(path string, raw io.Writer) (replayReport, error) {
	report := replayReport{Archive: path, Status: "pass"}
	reader, err := replay.NewReader(path)
	if err != nil {
		return report, err
	}
	defer func() { _ = reader.Close() }()

	var rawEnc *json.Encoder
	if raw != nil {
		rawEnc = json.NewEncoder(raw)
		rawEnc.SetEscapeHTML(false)
	}

	for {
		snap, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			report.Truncated = true
			break
		}
		if err != nil {
			return report, err
		}
		report.Snapshots++
		if rawEnc != nil {
			if err := rawEnc.Encode(snap); err != nil {
				return report, err
			}
		}

		if len(snap.Checks) == 0 || strings.TrimSpace(snap.Result.ResponseText) == "" {
			report.Skipped++
			continue
		}
		compiled, err := quality.Compile(snap.Checks)
		if err != nil {
			report.Failures = append(report.Failures, replayFailure{
				Scenario: snap.ScenarioID,
				Turn:     snap.TurnIndex + 1,
				Failed:   []string{"invalid_checks: " + err.Error()},
			})
			continue
		}
		res := quality.Evaluate(snap.Result.ResponseText, compiled)
		report.Rescored++
		if res.Pass != snap.Result.Quality.Pass {
			report.Drift++
		}
		if !res.Pass {
			report.Failures = append(report.Failures, replayFailure{
				Scenario: snap.ScenarioID,
				Turn:     snap.TurnIndex + 1,
				Failed:   res.Failures,
			})
		}
	}

	if len(report.Failures) > 0 || report.Truncated {
		report.Status = "fail"
	}
	return report, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[spectyra-replay] "+format+"\n", args...)
	os.Exit(1)
}
