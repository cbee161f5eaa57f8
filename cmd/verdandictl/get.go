package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/task"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

const apiTimeout = 30 * time.Second

type (
	Pagination struct {
		Offset uint `help:"Number of items to skip"`
		Limit  uint `help:"Maximum number of items to list" default:"50"`
	}

	GetTasks struct {
		Pagination `embed:""`

		Selector string `help:"Labels selector, i.e. team=web,env!=prod" short:"l"`
		Name     string `help:"Case insensitive part of the task name"`
		Kind     string `help:"Kind of the prob"`
	}

	GetTask struct {
		ID wyrd.ResourceID `arg:"" help:"Id of the task"`
	}

	GetExecutions struct {
		Pagination `embed:""`

		TaskID wyrd.ResourceID `help:"Only executions of this task" name:"task"`
		Status string          `help:"Only executions with this status"`
		Since  time.Duration   `help:"Only executions created within this period, i.e. 24h"`
	}

	GetLogs struct {
		Pagination `embed:""`

		ExecutionID wyrd.ResourceID `arg:"" help:"Id of the execution"`
		Level       string          `help:"Minimal level of entries: debug, info, warning or error"`
		Search      string          `help:"Case insensitive text to find in messages" short:"q"`
	}

	GetArtifacts struct {
		ExecutionID wyrd.ResourceID `arg:"" help:"Id of the execution"`
	}

	GetArtifact struct {
		ID wyrd.ResourceID `arg:"" help:"Id of the artifact. Content is written to STDOUT"`
	}

	GetCmd struct {
		Tasks      GetTasks      `cmd:"" help:"List tasks"`
		Task       GetTask       `cmd:"" help:"Get a task"`
		Executions GetExecutions `cmd:"" help:"List executions"`
		Logs       GetLogs       `cmd:"" help:"Get logs of an execution"`
		Artifacts  GetArtifacts  `cmd:"" help:"List artifacts of an execution"`
		Artifact   GetArtifact   `cmd:"" help:"Get content of an artifact"`
	}
)

func (p Pagination) toApi() task.Pagination {
	return task.Pagination{Offset: p.Offset, Limit: p.Limit}
}

func (c *GetTasks) Run(cfg *commandContext) error {
	apiClient, err := cfg.NewClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cfg.Context, apiTimeout)
	defer cancel()

	results, err := apiClient.ListTasks(ctx, task.SearchQuery{
		Pagination: c.toApi(),
		Labels:     c.Selector,
		Name:       c.Name,
		Kind:       prob.Kind(c.Kind),
	})
	if err != nil {
		return err
	}

	return cfg.OutputFormatter(results)
}

func (c *GetTask) Run(cfg *commandContext) error {
	apiClient, err := cfg.NewClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cfg.Context, apiTimeout)
	defer cancel()

	resource, exists, err := apiClient.GetTask(ctx, c.ID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("task %v not found", c.ID)
	}

	return cfg.OutputFormatter(&resource)
}

func (c *GetExecutions) Run(cfg *commandContext) error {
	apiClient, err := cfg.NewClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cfg.Context, apiTimeout)
	defer cancel()

	query := task.ExecutionQuery{
		Pagination: c.toApi(),
		TaskID:     c.TaskID,
		Status:     task.ExecutionStatus(c.Status),
	}
	if c.Since > 0 {
		since := time.Now().Add(-c.Since)
		query.Since = &since
	}

	results, err := apiClient.ListExecutions(ctx, query)
	if err != nil {
		return err
	}

	return cfg.OutputFormatter(results)
}

func (c *GetLogs) Run(cfg *commandContext) error {
	apiClient, err := cfg.NewClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cfg.Context, apiTimeout)
	defer cancel()

	results, err := apiClient.ListLogs(ctx, task.LogQuery{
		Pagination:  c.toApi(),
		ExecutionID: c.ExecutionID,
		Level:       task.LogLevel(c.Level),
		Search:      c.Search,
	})
	if err != nil {
		return err
	}

	return cfg.OutputFormatter(results)
}

func (c *GetArtifacts) Run(cfg *commandContext) error {
	apiClient, err := cfg.NewClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cfg.Context, apiTimeout)
	defer cancel()

	results, err := apiClient.ListArtifacts(ctx, c.ExecutionID)
	if err != nil {
		return err
	}

	return cfg.OutputFormatter(results)
}

func (c *GetArtifact) Run(cfg *commandContext) error {
	apiClient, err := cfg.NewClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cfg.Context, apiTimeout)
	defer cancel()

	content, exists, err := apiClient.GetArtifactContent(ctx, c.ID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("artifact %v not found", c.ID)
	}

	_, err = output.Write(content)
	return err
}
