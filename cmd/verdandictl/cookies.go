package main

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/sre-norns/verdandi/pkg/cookies"
)

type (
	CookiesList struct {
		Domain string `arg:"" optional:"" help:"Only cookies of this domain"`
	}

	CookiesImport struct {
		File      string `arg:"" help:"File with cookies: JSON bundles or Netscape cookies.txt. Use - for STDIN"`
		Format    string `help:"Format of the file" enum:"json,netscape" default:"json"`
		Domain    string `help:"Domain the cookies.txt cookies belong to"`
		Account   string `help:"Account the cookies.txt cookies belong to"`
		Overwrite bool   `help:"Replace cookies that are already saved"`
	}

	CookiesExport struct {
		Domain  string `arg:"" optional:"" help:"Only cookies of this domain"`
		Format  string `help:"Output format" enum:"json,netscape" default:"json"`
		Account string `help:"Only cookies of this account, for Netscape format"`
	}

	CookiesCmd struct {
		List   CookiesList   `cmd:"" help:"List saved cookies"`
		Import CookiesImport `cmd:"" help:"Import cookies into the vault"`
		Export CookiesExport `cmd:"" help:"Export saved cookies"`
	}
)

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}

func (c *CookiesList) Run(cfg *commandContext) error {
	apiClient, err := cfg.NewClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cfg.Context, apiTimeout)
	defer cancel()

	results, err := apiClient.ListCookies(ctx, c.Domain)
	if err != nil {
		return err
	}
	return cfg.OutputFormatter(results)
}

func readBundles(content []byte, format, domain, account string) ([]cookies.Bundle, error) {
	if format == string(cookies.FormatNetscape) {
		if domain == "" {
			return nil, fmt.Errorf("--domain is required to import cookies.txt")
		}
		parsed, err := cookies.DecodeNetscape(bytes.NewReader(content))
		if err != nil {
			return nil, err
		}
		return []cookies.Bundle{{Domain: domain, Account: account, Cookies: parsed}}, nil
	}

	return cookies.DecodeJSON(bytes.NewReader(content))
}

func (c *CookiesImport) Run(cfg *commandContext) error {
	content, _, err := readContent(c.File)
	if err != nil {
		return err
	}
	bundles, err := readBundles(content, c.Format, c.Domain, c.Account)
	if err != nil {
		return fmt.Errorf("failed to read cookies: %w", err)
	}

	apiClient, err := cfg.NewClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cfg.Context, apiTimeout)
	defer cancel()

	result, err := apiClient.ImportCookies(ctx, bundles, c.Overwrite)
	if err != nil {
		return err
	}
	return cfg.OutputFormatter(result)
}

func (c *CookiesExport) Run(cfg *commandContext) error {
	apiClient, err := cfg.NewClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cfg.Context, apiTimeout)
	defer cancel()

	bundles, err := apiClient.ExportCookies(ctx, c.Domain)
	if err != nil {
		return err
	}

	if c.Format == string(cookies.FormatNetscape) {
		for _, b := range bundles {
			if c.Account != "" && b.Account != c.Account {
				continue
			}
			if err := cookies.EncodeNetscape(os.Stdout, b.Cookies); err != nil {
				return err
			}
		}
		return nil
	}

	return cookies.EncodeJSON(os.Stdout, bundles)
}
