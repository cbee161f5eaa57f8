package cookies

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sre-norns/verdandi/pkg/browser"
)

type Format string

const (
	FormatJSON     Format = "json"
	FormatNetscape Format = "netscape"
)

var ErrUnknownFormat = fmt.Errorf("unknown cookie file format")

// Bundle is a portable form of a saved record
type Bundle struct {
	Domain  string           `json:"domain" yaml:"domain"`
	Account string           `json:"account,omitempty" yaml:"account,omitempty"`
	Cookies []browser.Cookie `json:"cookies" yaml:"cookies"`
}

// Export decrypts usable records of a domain, or of all domains when domain is empty
func (v *Vault) Export(ctx context.Context, domain string) ([]Bundle, error) {
	records, err := v.store.ListCookieRecords(ctx, domain)
	if err != nil {
		return nil, err
	}

	now := v.now()
	result := make([]Bundle, 0, len(records))
	for _, r := range records {
		if !r.Valid || !r.ExpiresAt.After(now) {
			continue
		}

		data, err := v.sealer.Open(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("record %s/%s: %w", r.Domain, r.Account, err)
		}

		bundle := Bundle{Domain: r.Domain, Account: r.Account}
		if err := json.Unmarshal(data, &bundle.Cookies); err != nil {
			return nil, fmt.Errorf("record %s/%s: %w", r.Domain, r.Account, err)
		}
		result = append(result, bundle)
	}
	return result, nil
}

type ImportResult struct {
	Imported int `json:"imported" yaml:"imported"`
	Skipped  int `json:"skipped" yaml:"skipped"`
}

// Import saves bundles. Without overwrite, bundles with a usable record already saved are skipped.
func (v *Vault) Import(ctx context.Context, bundles []Bundle, overwrite bool) (ImportResult, error) {
	var result ImportResult
	for _, b := range bundles {
		if b.Domain == "" {
			result.Skipped++
			continue
		}

		if !overwrite {
			valid, err := v.IsValid(ctx, b.Domain, b.Account)
			if err != nil {
				return result, err
			}
			if valid {
				result.Skipped++
				continue
			}
		}

		n, err := v.Save(ctx, b.Domain, b.Account, b.Cookies)
		if err != nil {
			return result, err
		}
		if n == 0 {
			result.Skipped++
			continue
		}
		result.Imported++
	}
	return result, nil
}

func EncodeJSON(w io.Writer, bundles []Bundle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(bundles)
}

func DecodeJSON(r io.Reader) ([]Bundle, error) {
	var result []Bundle
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to read cookie bundles: %w", err)
	}
	return result, nil
}

const httpOnlyPrefix = "#HttpOnly_"

// EncodeNetscape writes cookies in the cookies.txt format understood by curl and browser extensions
func EncodeNetscape(w io.Writer, cookies []browser.Cookie) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# Netscape HTTP Cookie File")
	for _, c := range cookies {
		domain := c.Domain
		if c.HTTPOnly {
			domain = httpOnlyPrefix + domain
		}
		var expires int64
		if !c.IsSession() {
			expires = c.Expires.Unix()
		}
		path := c.Path
		if path == "" {
			path = "/"
		}

		fmt.Fprintf(bw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			domain,
			boolField(strings.HasPrefix(c.Domain, ".")),
			path,
			boolField(c.Secure),
			expires,
			c.Name,
			c.Value,
		)
	}
	return bw.Flush()
}

// DecodeNetscape reads a cookies.txt file
func DecodeNetscape(r io.Reader) ([]browser.Cookie, error) {
	var result []browser.Cookie

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		httpOnly := strings.HasPrefix(line, httpOnlyPrefix)
		if httpOnly {
			line = strings.TrimPrefix(line, httpOnlyPrefix)
		} else if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			return nil, fmt.Errorf("line %d: expected 7 tab separated fields, got %d", lineNo, len(fields))
		}

		expires, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad expiry %q: %w", lineNo, fields[4], err)
		}

		c := browser.Cookie{
			Domain:   fields[0],
			Path:     fields[2],
			Secure:   strings.EqualFold(fields[3], "TRUE"),
			Name:     fields[5],
			Value:    fields[6],
			HTTPOnly: httpOnly,
		}
		if expires > 0 {
			c.Expires = time.Unix(expires, 0).UTC()
		}
		result = append(result, c)
	}

	return result, scanner.Err()
}

func boolField(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}
