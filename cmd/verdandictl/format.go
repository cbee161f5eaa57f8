package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/sre-norns/verdandi/pkg/cookies"
	"github.com/sre-norns/verdandi/pkg/runner"
	"github.com/sre-norns/verdandi/pkg/task"
)

type formatter func(any) error

var output io.Writer = os.Stdout

func yamlFormatter(resource any) error {
	data, err := yaml.Marshal(resource)
	if err != nil {
		return err
	}
	_, err = output.Write(data)
	return err
}

func jsonFormatter(resource any) error {
	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "\t")
	return encoder.Encode(resource)
}

func getFormatter(formatName outputFormat) (formatter, error) {
	switch formatName {
	case "table":
		return tableFormatter, nil
	case "yaml", "yml":
		return yamlFormatter, nil
	case "json":
		return jsonFormatter, nil
	}

	return nil, fmt.Errorf("unexpected output format %q", formatName)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

// tableFormatter renders known resource lists as tables, anything else as yaml
func tableFormatter(resource any) error {
	t := table.NewWriter()
	t.SetOutputMirror(output)
	t.SetStyle(table.StyleLight)

	switch value := resource.(type) {
	case []task.Task:
		t.AppendHeader(table.Row{"ID", "Name", "Kind", "Enabled", "Schedule", "Domain", "Last run", "Labels"})
		for _, item := range value {
			t.AppendRow(table.Row{item.ID, item.Name, item.Kind, item.Enabled, item.Schedule, item.Domain, formatTime(item.LastRunAt), item.Labels})
		}
	case []task.Execution:
		t.AppendHeader(table.Row{"ID", "Task", "Status", "Trigger", "Worker", "Started", "Duration", "Error"})
		for _, item := range value {
			t.AppendRow(table.Row{item.ID, item.TaskName, item.Status, item.Trigger, item.Worker, formatTime(item.StartedAt), formatDuration(item.Duration), item.Error})
		}
	case []task.LogEntry:
		t.AppendHeader(table.Row{"Time", "Level", "Message", "Context"})
		for _, item := range value {
			t.AppendRow(table.Row{item.Time.Local().Format(time.TimeOnly), item.Level, item.Message, item.Context})
		}
	case []task.Artifact:
		t.AppendHeader(table.Row{"ID", "Rel", "Mime type", "Size"})
		for _, item := range value {
			t.AppendRow(table.Row{item.ID, item.Rel, item.MimeType, item.Size})
		}
	case []cookies.Info:
		t.AppendHeader(table.Row{"Domain", "Account", "Valid", "Expired", "Expires", "Last used"})
		for _, item := range value {
			t.AppendRow(table.Row{item.Domain, item.Account, item.Valid, item.Expired, formatTime(&item.ExpiresAt), formatTime(&item.LastUsedAt)})
		}
	case runner.Result:
		t.AppendHeader(table.Row{"Artifact", "Mime type", "Size"})
		for _, item := range value.Artifacts {
			t.AppendRow(table.Row{item.Rel, item.MimeType, len(item.Content)})
		}
		t.AppendFooter(table.Row{"Status", value.Status, formatDuration(value.Duration())})
	default:
		return yamlFormatter(resource)
	}

	t.Render()
	return nil
}
