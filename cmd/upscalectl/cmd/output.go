package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
)

// render writes v as JSON or YAML, or calls table for the default format
func render(w io.Writer, v interface{}, table func(w io.Writer) error) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// API types only carry json tags; go through JSON to keep the field names
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return table(w)
	}
}

func jobsTable(w io.Writer, jobs []models.JobView) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Status", "Progress", "Scale", "Input", "Created", "ETA")
	for _, j := range jobs {
		table.Append(
			j.ID,
			string(j.Status),
			formatProgress(j.Progress),
			fmt.Sprintf("x%g", j.Params.Scale),
			inputLabel(j),
			j.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			formatSeconds(j.EstimatedRemaining),
		)
	}
	return table.Render()
}

func jobDetailTable(w io.Writer, j models.JobView) error {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	rows := [][]string{
		{"ID", j.ID},
		{"Status", string(j.Status)},
		{"Progress", formatProgress(j.Progress)},
		{"Message", j.Message},
		{"Step", j.CurrentStep},
		{"Scale", fmt.Sprintf("x%g", j.Params.Scale)},
		{"Input", inputLabel(j)},
		{"Created", j.CreatedAt.Local().Format(time.RFC3339)},
	}
	if j.QueuePosition > 0 {
		rows = append(rows, []string{"Queue position", fmt.Sprintf("%d", j.QueuePosition)})
	}
	if j.InputResolution != "" {
		rows = append(rows, []string{"Resolution", j.InputResolution + " -> " + j.OutputResolution})
	}
	if j.EstimatedRemaining != nil {
		rows = append(rows, []string{"Remaining", formatSeconds(j.EstimatedRemaining)})
	}
	if j.ProcessingTime > 0 {
		rows = append(rows, []string{"Processing time", fmt.Sprintf("%.1fs", j.ProcessingTime)})
	}
	if j.DownloadURL != "" {
		rows = append(rows, []string{"Download", GetServerURL() + j.DownloadURL})
	}
	if j.ErrorDetail != nil {
		rows = append(rows, []string{"Error", j.ErrorDetail.Code + ": " + j.ErrorDetail.Message})
	}
	for _, row := range rows {
		table.Append(row[0], row[1])
	}
	return table.Render()
}

func inputLabel(j models.JobView) string {
	if j.InputFilename == "" {
		return formatBytes(j.InputSize)
	}
	return fmt.Sprintf("%s (%s)", j.InputFilename, formatBytes(j.InputSize))
}

func formatProgress(p float64) string {
	return fmt.Sprintf("%.0f%%", math.Floor(p))
}

func formatSeconds(s *int) string {
	if s == nil {
		return "-"
	}
	return (time.Duration(*s) * time.Second).String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatMiB(mib float64) string {
	return formatBytes(int64(mib * (1 << 20)))
}
