// Package export writes finished job results to Parquet.
package export

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/Kdotropez/loto-news/pkg/types"
)

// ResultRow is one done job.
type ResultRow struct {
	JobID         string   `parquet:"job_id"`
	TargetSize    int32    `parquet:"target_size"`
	PatternIDs    []string `parquet:"pattern_ids"`
	BatchFrom     int32    `parquet:"batch_from"`
	BatchTo       int32    `parquet:"batch_to"`
	Hit3          float64  `parquet:"hit3"`
	Hit4          float64  `parquet:"hit4"`
	Hit5          float64  `parquet:"hit5"`
	ExpectedValue float64  `parquet:"expected_value"`
	GridEstimate  int64    `parquet:"grid_estimate"`
	SelectedSet   []int32  `parquet:"selected_set"`
	UpdatedAt     int64    `parquet:"updated_at"`
}

// Rows converts done jobs in queue order. Jobs in any other status are
// skipped.
func Rows(jobs []types.Job) []ResultRow {
	rows := make([]ResultRow, 0, len(jobs))
	for _, job := range jobs {
		if job.Status != types.StatusDone || job.Stats == nil {
			continue
		}
		selected := make([]int32, len(job.Stats.SelectedSet))
		for i, n := range job.Stats.SelectedSet {
			selected[i] = int32(n)
		}
		rows = append(rows, ResultRow{
			JobID:         string(job.ID),
			TargetSize:    int32(job.TargetSize),
			PatternIDs:    append([]string(nil), job.PatternIDs...),
			BatchFrom:     int32(job.BatchFrom),
			BatchTo:       int32(job.BatchTo),
			Hit3:          job.Stats.Hit3,
			Hit4:          job.Stats.Hit4,
			Hit5:          job.Stats.Hit5,
			ExpectedValue: job.Stats.ExpectedValue,
			GridEstimate:  job.Stats.GridEstimate,
			SelectedSet:   selected,
			UpdatedAt:     job.UpdatedAt,
		})
	}
	return rows
}

// Write encodes the done jobs to w and returns the number of rows.
func Write(w io.Writer, jobs []types.Job) (int, error) {
	rows := Rows(jobs)

	pw := parquet.NewGenericWriter[ResultRow](w)
	if _, err := pw.Write(rows); err != nil {
		return 0, fmt.Errorf("write rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return 0, fmt.Errorf("close parquet writer: %w", err)
	}
	return len(rows), nil
}

// WriteFile writes the done jobs to path.
func WriteFile(path string, jobs []types.Job) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}

	n, err := Write(f, jobs)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return n, err
}
