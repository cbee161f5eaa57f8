package main

import (
	"fmt"
	"os"

	"github.com/go-kit/log/level"

	httpparser "github.com/sre-norns/verdandi/pkg/http-parser"
	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/probers/api"
	browserprob "github.com/sre-norns/verdandi/pkg/probers/browser"
	"github.com/sre-norns/verdandi/pkg/script"
)

type ConvertCmd struct {
	File     string `arg:"" name:"path" help:"Snippet to convert. Use - for STDIN"`
	Language string `help:"Language of the snippet: python or javascript. Guessed from the extension when not set" short:"l"`
	Manifest bool   `help:"Output a browser prob manifest instead of a bare script"`
}

func (c *ConvertCmd) Run(cfg *commandContext) error {
	content, _, err := readContent(c.File)
	if err != nil {
		return fmt.Errorf("failed to read snippet: %w", err)
	}

	language, ok := script.LanguageOf(c.File)
	if c.Language != "" || !ok {
		if language, err = script.ParseLanguage(c.Language); err != nil {
			return err
		}
	}

	conversion, err := script.Convert(string(content), language)
	if err != nil {
		return err
	}

	for _, note := range conversion.Notes {
		level.Info(cfg.Logger).Log("msg", note)
	}
	for _, warning := range conversion.Warnings {
		level.Warn(cfg.Logger).Log("msg", warning)
	}
	for _, skipped := range conversion.Skipped {
		level.Warn(cfg.Logger).Log("msg", "line skipped", "line", skipped.Line, "text", skipped.Text)
	}

	if c.Manifest {
		return cfg.OutputFormatter(prob.Manifest{
			Kind: browserprob.Kind,
			Spec: &browserprob.Spec{Script: &conversion.Script},
		})
	}
	return cfg.OutputFormatter(conversion.Script)
}

type HarCmd struct {
	Files    []string `arg:"" name:"path" help:"HAR file(s) to convert" type:"existingfile"`
	Out      string   `help:"Name of the output file to write to. Default output is STDOUT" type:"path"`
	Manifest bool     `help:"Output an api prob manifest instead of a .http script"`
}

func (c *HarCmd) Run(cfg *commandContext) error {
	var requests []httpparser.Request
	for _, filename := range c.Files {
		file, err := os.Open(filename)
		if err != nil {
			return fmt.Errorf("failed to open input HAR %q file: %w", filename, err)
		}

		harLog, err := httpparser.UnmarshalHAR(file)
		file.Close()
		if err != nil {
			return fmt.Errorf("failed to deserialize HAR file %q: %w", filename, err)
		}

		converted, err := httpparser.FromHAR(harLog.Log)
		if err != nil {
			return fmt.Errorf("failed to convert HAR: %w", err)
		}
		requests = append(requests, converted...)
	}

	if c.Manifest {
		return cfg.OutputFormatter(prob.Manifest{
			Kind: api.Kind,
			Spec: &api.Spec{Requests: requests},
		})
	}

	out := os.Stdout
	if c.Out != "" && c.Out != "-" {
		file, err := os.OpenFile(c.Out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open output file: %w", err)
		}
		defer file.Close()
		out = file
	}

	return httpparser.Marshal(out, requests)
}
