package main

import (
	"context"
	"fmt"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/joho/godotenv"

	"github.com/sre-norns/verdandi/pkg/grace"
	"github.com/sre-norns/verdandi/pkg/task"

	_ "github.com/sre-norns/verdandi/pkg/probers/api"
	_ "github.com/sre-norns/verdandi/pkg/probers/browser"
	_ "github.com/sre-norns/verdandi/pkg/probers/uptime"
)

type ApiClientConfig struct {
	ApiServerAddress string `help:"Address of the API server" default:"http://localhost:8080" env:"VERDANDI_API"`
	Token            string `help:"API token issued with the token command" env:"VERDANDI_TOKEN"`
}

func (c ApiClientConfig) NewClient() (*task.RestApiClient, error) {
	client, err := task.NewRestApiClient(c.ApiServerAddress, c.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize API Client: %w", err)
	}
	return client, nil
}

type commandContext struct {
	ApiClientConfig

	OutputFormatter formatter
	Context         context.Context
	Logger          log.Logger
}

type outputFormat string

func (f outputFormat) AfterApply(cfg *commandContext) (err error) {
	cfg.OutputFormatter, err = getFormatter(f)
	return err
}

var appCli struct {
	grace.LogConfig `embed:""`
	ApiClientConfig `embed:""`

	Format outputFormat `enum:"table,yaml,yml,json" help:"Data output format" default:"table" short:"o"`

	Run     RunCmd     `cmd:"" help:"Run a script, a snippet or a task locally"`
	Convert ConvertCmd `cmd:"" help:"Convert a Selenium-python or DOM javascript snippet into a script"`
	Har     HarCmd     `cmd:"" help:"Convert a HAR recording into api requests"`
	Get     GetCmd     `cmd:"" help:"Get and display resources from the server"`
	Apply   ApplyCmd   `cmd:"" help:"Create tasks from a file"`
	Trigger TriggerCmd `cmd:"" help:"Run a task on the workers"`
	Cookies CookiesCmd `cmd:"" help:"Manage saved cookies"`
	Token   TokenCmd   `cmd:"" help:"Issue an API token"`
}

func main() {
	// Optional .env in the working directory provides defaults for flags with env names
	_ = godotenv.Load()

	mainContext := grace.SetupSignalHandler()
	cfg := &commandContext{
		Context:         mainContext,
		OutputFormatter: tableFormatter,
	}
	appCtx := kong.Parse(&appCli,
		kong.Name("verdandictl"),
		kong.Description("Verdandi command line tool"),
		kong.Bind(cfg),
	)
	cfg.ApiClientConfig = appCli.ApiClientConfig
	cfg.Logger = appCli.NewLogger()

	appCtx.FatalIfErrorf(appCtx.Run(cfg))
}
