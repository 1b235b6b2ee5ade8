// Package report renders queue diagnostics as xlsx workbooks.
package report

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"tasksync/internal/models"

	"github.com/natefinch/atomic"
	"github.com/xuri/excelize/v2"
)

const (
	FailedSheet  = "Failed jobs"
	SummarySheet = "Summary"
)

var failedHeaders = []string{"Job ID", "User", "Action", "Task", "Project", "Attempts", "Scheduled", "Created", "Last error"}

// WriteFailedJobs writes a workbook listing failed jobs plus a queue summary.
func WriteFailedJobs(w io.Writer, jobs []models.SyncJob, stats *models.QueueStats, generatedAt time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(FailedSheet)
	if err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	header, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})

	for i, h := range failedHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(FailedSheet, cell, h)
	}
	last, _ := excelize.CoordinatesToCellName(len(failedHeaders), 1)
	_ = f.SetCellStyle(FailedSheet, "A1", last, header)

	for r, job := range jobs {
		row := []interface{}{
			job.ID,
			job.UserID,
			job.Action,
			optionalID(job.TaskID),
			optionalID(job.ProjectID),
			job.Attempts,
			job.ScheduledAt.UTC().Format(time.RFC3339),
			job.CreatedAt.UTC().Format(time.RFC3339),
			optionalString(job.LastError),
		}
		cell, _ := excelize.CoordinatesToCellName(1, r+2)
		if err := f.SetSheetRow(FailedSheet, cell, &row); err != nil {
			return fmt.Errorf("error writing row %d: %w", r+2, err)
		}
	}

	_ = f.SetColWidth(FailedSheet, "A", "H", 14)
	_ = f.SetColWidth(FailedSheet, "G", "H", 22)
	_ = f.SetColWidth(FailedSheet, "I", "I", 80)
	_ = f.SetPanes(FailedSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if err := writeSummary(f, stats, len(jobs), generatedAt, header); err != nil {
		return err
	}
	_ = f.DeleteSheet("Sheet1")

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// SaveFailedJobs writes the workbook to path atomically.
func SaveFailedJobs(path string, jobs []models.SyncJob, stats *models.QueueStats, generatedAt time.Time) error {
	var buf bytes.Buffer
	if err := WriteFailedJobs(&buf, jobs, stats, generatedAt); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("error saving %s: %w", path, err)
	}
	return nil
}

func writeSummary(f *excelize.File, stats *models.QueueStats, listed int, generatedAt time.Time, header int) error {
	if _, err := f.NewSheet(SummarySheet); err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	rows := [][]interface{}{
		{"Generated", generatedAt.UTC().Format(time.RFC3339)},
		{"Failed jobs listed", listed},
	}
	if stats != nil {
		oldest := ""
		if stats.OldestPendingAt != nil {
			oldest = stats.OldestPendingAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows,
			[]interface{}{"Pending", stats.Pending},
			[]interface{}{"Processing", stats.Processing},
			[]interface{}{"Completed", stats.Completed},
			[]interface{}{"Failed", stats.Failed},
			[]interface{}{"Oldest pending", oldest},
		)
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SummarySheet, cell, &row); err != nil {
			return fmt.Errorf("error writing summary: %w", err)
		}
	}
	_ = f.SetCellStyle(SummarySheet, "A1", fmt.Sprintf("A%d", len(rows)), header)
	_ = f.SetColWidth(SummarySheet, "A", "B", 24)
	return nil
}

func optionalID(v *int64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}

func optionalString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
