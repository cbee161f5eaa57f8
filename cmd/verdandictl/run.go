package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sre-norns/verdandi/pkg/prob"
	"github.com/sre-norns/verdandi/pkg/probers/api"
	browserprob "github.com/sre-norns/verdandi/pkg/probers/browser"
	"github.com/sre-norns/verdandi/pkg/runner"
	"github.com/sre-norns/verdandi/pkg/script"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

type RunCmd struct {
	runner.RunnerConfig `embed:"" prefix:"runner."`

	TaskID wyrd.ResourceID `help:"Id of a task on the server to run locally" name:"task" xor:"source"`
	Files  []string        `arg:"" optional:"" name:"file" help:"Script YAML, prob manifest, .py/.js snippet, .http or .har file. Use - for STDIN" xor:"source"`
	Kind   string          `help:"The kind of the input file. Guessed from the extension when not set"`

	EnvFile []string          `help:"Files with variables available to scripts as ${NAME}" type:"existingfile"`
	Env     map[string]string `help:"Variables available to scripts as ${NAME}" short:"e"`

	Artifacts string `help:"Directory to save artifacts to" type:"path"`
	Domain    string `help:"Primary domain of a browser script, used for cookies"`
	Account   string `help:"Account of a browser script, used for cookies"`
}

func readContent(filename string) ([]byte, string, error) {
	if filename == "-" {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return content, "", fmt.Errorf("failed to read content from STDIN: %w", err)
		}
		return content, "", nil
	}

	content, err := os.ReadFile(filename)
	return content, strings.ToLower(filepath.Ext(filename)), err
}

// manifestFromData reads a prob manifest, or a bare script which becomes a browser manifest
func manifestFromData(content []byte) (prob.Manifest, error) {
	var probe struct {
		Kind prob.Kind `yaml:"kind"`
	}
	if err := yaml.Unmarshal(content, &probe); err != nil {
		return prob.Manifest{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if probe.Kind != "" {
		var result prob.Manifest
		if err := yaml.Unmarshal(content, &result); err != nil {
			return result, fmt.Errorf("failed to parse prob manifest: %w", err)
		}
		return result, nil
	}

	s, err := script.Parse(content)
	if err != nil {
		return prob.Manifest{}, err
	}
	return prob.Manifest{
		Kind: browserprob.Kind,
		Spec: &browserprob.Spec{Script: &s},
	}, nil
}

func manifestFromFile(filename string, kindHint string) (prob.Manifest, error) {
	content, ext, err := readContent(filename)
	if err != nil {
		return prob.Manifest{}, fmt.Errorf("failed to read content: %w", err)
	}

	kind := kindHint
	if kind == "" {
		switch ext {
		case ".py", ".js", ".mjs":
			kind = "snippet"
		case ".http", ".rest":
			kind = "http"
		case ".har":
			kind = "har"
		case ".yaml", ".yml", ".json", "":
			kind = "manifest"
		}
	}

	switch kind {
	case "manifest":
		return manifestFromData(content)
	case "snippet", "python", "py", "javascript", "js":
		language, ok := script.LanguageOf(filename)
		if kind != "snippet" || !ok {
			if language, err = script.ParseLanguage(kind); err != nil {
				return prob.Manifest{}, err
			}
		}
		return prob.Manifest{
			Kind: browserprob.Kind,
			Spec: &browserprob.Spec{Source: string(content), Language: language},
		}, nil
	case "http":
		return prob.Manifest{Kind: api.Kind, Spec: &api.Spec{Script: string(content)}}, nil
	case "har":
		return prob.Manifest{Kind: api.Kind, Spec: &api.Spec{Har: string(content)}}, nil
	}

	return prob.Manifest{}, fmt.Errorf("no kind provided for the input file (ext: %q)", ext)
}

func (c *RunCmd) environment() (map[string]string, error) {
	env := map[string]string{}
	if len(c.EnvFile) > 0 {
		loaded, err := godotenv.Read(c.EnvFile...)
		if err != nil {
			return nil, fmt.Errorf("failed to read env files: %w", err)
		}
		env = loaded
	}
	for k, v := range c.Env {
		env[k] = v
	}
	return env, nil
}

func (c *RunCmd) saveArtifacts(name string, result runner.Result) error {
	if c.Artifacts == "" {
		return nil
	}
	if err := os.MkdirAll(c.Artifacts, 0755); err != nil {
		return fmt.Errorf("failed to create artifacts directory: %w", err)
	}

	for i, artifact := range result.Artifacts {
		filename := filepath.Join(c.Artifacts, fmt.Sprintf("%v-%02d-%v%v", name, i, artifact.Rel, extensionOf(artifact.MimeType)))
		if err := os.WriteFile(filename, artifact.Content, 0644); err != nil {
			return fmt.Errorf("failed to write artifact %q: %w", artifact.Rel, err)
		}
	}
	return nil
}

func extensionOf(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/png"):
		return ".png"
	case strings.HasPrefix(mimeType, "application/json"):
		return ".json"
	case strings.HasPrefix(mimeType, "text/plain"):
		return ".txt"
	case strings.Contains(mimeType, "har"):
		return ".har"
	}
	return ""
}

func (c *RunCmd) play(cfg *commandContext, name string, manifest prob.Manifest, env map[string]string) error {
	if spec, ok := manifest.Spec.(*browserprob.Spec); ok {
		if spec.Domain == "" {
			spec.Domain = c.Domain
		}
		if spec.Account == "" {
			spec.Account = c.Account
		}
	}

	options := c.Options
	options.Env = env

	runLog := runner.NewRunLog(cfg.Logger)
	result, err := runner.Play(cfg.Context, manifest, options, runLog,
		runner.WithTimeout(c.Timeout),
		runner.WithMetrics(c.Metrics),
	)
	if err != nil {
		level.Error(cfg.Logger).Log("msg", "run failed", "name", name, "err", err)
	}

	if err := c.saveArtifacts(name, result); err != nil {
		return err
	}
	if ferr := cfg.OutputFormatter(result); ferr != nil {
		return ferr
	}
	if result.Status != prob.RunFinishedSuccess {
		return fmt.Errorf("%v finished with status %q", name, result.Status)
	}
	return nil
}

func (c *RunCmd) Run(cfg *commandContext) error {
	if len(c.Files) == 0 && c.TaskID == 0 {
		return fmt.Errorf("file or task id must be provided")
	}

	env, err := c.environment()
	if err != nil {
		return err
	}

	if c.TaskID != 0 {
		apiClient, err := cfg.NewClient()
		if err != nil {
			return err
		}

		t, exists, err := apiClient.GetTask(cfg.Context, c.TaskID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("task %v not found", c.TaskID)
		}

		merged := make(map[string]string, len(t.Env)+len(env))
		for k, v := range t.Env {
			merged[k] = v
		}
		for k, v := range env {
			merged[k] = v
		}
		if spec, ok := t.Prob.Spec.(*browserprob.Spec); ok && spec.Domain == "" {
			spec.Domain = t.Domain
		}
		return c.play(cfg, t.Name, t.Prob, merged)
	}

	for _, filename := range c.Files {
		manifest, err := manifestFromFile(filename, c.Kind)
		if err != nil {
			return err
		}

		name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		if err := c.play(cfg, name, manifest, env); err != nil {
			return err
		}
	}

	return nil
}
