package enrich

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Stage is one pipeline processor. Stages never fail on a bad row; a row
// with invalid data is dropped with a warning and the stage carries on. A
// stage error means no valid output could be produced at all.
type Stage interface {
	Name() string
	Run(ctx context.Context, t *Table) (*Table, error)
}

// StageCount is the number of pipeline stages.
const StageCount = 7

// Machine runs stages sequentially over CSV-shaped tabular data, writing
// each stage boundary to disk. Stages are addressable 1 through 7.
type Machine struct {
	stages  [StageCount]Stage
	workDir string
}

// NewMachine assembles the pipeline. workDir receives the intermediate and
// final stage files.
func NewMachine(workDir string, stages ...Stage) (*Machine, error) {
	if len(stages) != StageCount {
		return nil, fmt.Errorf("enrich machine: want %d stages, got %d", StageCount, len(stages))
	}
	m := &Machine{workDir: workDir}
	copy(m.stages[:], stages)
	return m, nil
}

// Result summarises one machine run.
type Result struct {
	OutputPath string
	RowsIn     int
	RowsOut    int
	Stages     []StageResult
}

// StageResult is the per-stage row accounting.
type StageResult struct {
	Stage   int
	Name    string
	RowsIn  int
	RowsOut int
}

// Run executes stages startStage through endStage (1-based, inclusive) over
// the input CSV. Each stage's output is written to the work directory; when
// debug is false, a stage's intermediate file is removed once the next stage
// has succeeded. The final stage's file is always kept.
func (m *Machine) Run(ctx context.Context, inputPath string, startStage, endStage int, debug bool) (*Result, error) {
	if startStage < 1 || endStage > StageCount || startStage > endStage {
		return nil, fmt.Errorf("enrich machine: invalid stage range [%d, %d]", startStage, endStage)
	}
	if err := os.MkdirAll(m.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("enrich machine: %w", err)
	}

	table, err := ReadTable(inputPath)
	if err != nil {
		return nil, fmt.Errorf("enrich machine: %w", err)
	}

	res := &Result{RowsIn: len(table.Rows)}
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	prevFile := ""

	for n := startStage; n <= endStage; n++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("enrich machine: cancelled before stage %d: %w", n, err)
		}
		stage := m.stages[n-1]
		in := len(table.Rows)

		table, err = stage.Run(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("stage %d (%s): %w", n, stage.Name(), err)
		}

		out := filepath.Join(m.workDir, fmt.Sprintf("%s_stage%d_%s.csv", base, n, stage.Name()))
		if err := table.Write(out); err != nil {
			return nil, fmt.Errorf("stage %d (%s): write output: %w", n, stage.Name(), err)
		}
		log.Printf("[Enrich] Stage %d (%s): %d rows in, %d rows out", n, stage.Name(), in, len(table.Rows))
		res.Stages = append(res.Stages, StageResult{Stage: n, Name: stage.Name(), RowsIn: in, RowsOut: len(table.Rows)})

		// The previous intermediate is only safe to drop once this stage
		// has produced its own file.
		if !debug && prevFile != "" {
			if err := os.Remove(prevFile); err != nil {
				log.Printf("[Enrich] Could not remove intermediate %s: %v", prevFile, err)
			}
		}
		prevFile = out
		res.OutputPath = out
	}

	res.RowsOut = len(table.Rows)
	return res, nil
}
