package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v3"

	"github.com/sre-norns/verdandi/pkg/logstream"
	"github.com/sre-norns/verdandi/pkg/task"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

type ApplyCmd struct {
	Files []string `arg:"" name:"file" help:"YAML file(s) with one or more task definitions. Use - for STDIN"`
}

// readTaskRequests reads all YAML documents of a file
func readTaskRequests(content []byte) ([]task.TaskRequest, error) {
	var result []task.TaskRequest
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	for {
		var req task.TaskRequest
		err := decoder.Decode(&req)
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("document %d: %w", len(result)+1, err)
		}
		result = append(result, req)
	}
}

func (c *ApplyCmd) Run(cfg *commandContext) error {
	apiClient, err := cfg.NewClient()
	if err != nil {
		return err
	}

	var created []task.Task
	for _, filename := range c.Files {
		content, _, err := readContent(filename)
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", filename, err)
		}
		requests, err := readTaskRequests(content)
		if err != nil {
			return fmt.Errorf("failed to parse %q: %w", filename, err)
		}

		for _, req := range requests {
			ctx, cancel := context.WithTimeout(cfg.Context, apiTimeout)
			result, err := apiClient.CreateTask(ctx, req)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to create task %q: %w", req.Name, err)
			}
			created = append(created, result)
		}
	}

	return cfg.OutputFormatter(created)
}

type TriggerCmd struct {
	ID     wyrd.ResourceID   `arg:"" help:"Id of the task to run"`
	Env    map[string]string `help:"Variables overriding the task environment for this run" short:"e"`
	Follow bool              `help:"Stream logs of the execution until it is finished" short:"f"`
}

func (c *TriggerCmd) Run(cfg *commandContext) error {
	apiClient, err := cfg.NewClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cfg.Context, apiTimeout)
	defer cancel()

	exec, exists, err := apiClient.TriggerTask(ctx, c.ID, task.TriggerRequest{Env: c.Env})
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("task %v not found", c.ID)
	}
	if !c.Follow {
		return cfg.OutputFormatter([]task.Execution{exec})
	}

	streamURL, err := logstream.StreamURL(cfg.ApiServerAddress, exec.ID, cfg.Token)
	if err != nil {
		return err
	}

	level.Info(cfg.Logger).Log("msg", "following execution", "execution", exec.ID)
	err = logstream.Follow(cfg.Context, streamURL, func(entry task.LogEntry) {
		fmt.Fprintf(output, "%v %-7v %v %v\n", entry.Time.Local().Format(time.TimeOnly), entry.Level, entry.Message, formatContext(entry.Context))
	})
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(cfg.Context, apiTimeout)
	defer cancel()
	final, _, err := apiClient.GetExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	return cfg.OutputFormatter([]task.Execution{final})
}

func formatContext(values map[string]string) string {
	var buf bytes.Buffer
	for _, k := range sortedKeys(values) {
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(&buf, "%v=%q", k, values[k])
	}
	return buf.String()
}
