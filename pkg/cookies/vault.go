package cookies

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sre-norns/verdandi/pkg/browser"
)

const (
	// Lifetime of a saved set when none of its cookies expire
	DefaultLifetime = 7 * 24 * time.Hour

	// Records expiring within this window are reported as expiring soon
	ExpiringSoonWindow = 24 * time.Hour
)

// Analytics cookies carry no session state and are never saved
var ignoredCookies = map[string]struct{}{
	"_ga":    {},
	"_gid":   {},
	"_gat":   {},
	"__utma": {},
	"__utmb": {},
	"__utmc": {},
	"__utmz": {},
}

// Record is a saved set of cookies of one account on one domain
type Record struct {
	Domain     string
	Account    string
	Payload    []byte
	ExpiresAt  time.Time
	LastUsedAt time.Time
	Valid      bool
}

// Store persists cookie records. Records are unique by domain and account.
type Store interface {
	GetCookieRecord(ctx context.Context, domain, account string) (Record, bool, error)
	PutCookieRecord(ctx context.Context, record Record) error
	DeleteCookieRecord(ctx context.Context, domain, account string) (bool, error)
	// ListCookieRecords lists records of a domain, or all records for an empty domain
	ListCookieRecords(ctx context.Context, domain string) ([]Record, error)
	// PurgeCookieRecords deletes records that expired before the given time or are invalid
	PurgeCookieRecords(ctx context.Context, expiredBefore time.Time) (int, error)
}

// Info describes a saved record without its cookies
type Info struct {
	Domain       string    `json:"domain" yaml:"domain"`
	Account      string    `json:"account,omitempty" yaml:"account,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt" yaml:"expiresAt"`
	LastUsedAt   time.Time `json:"lastUsedAt,omitempty" yaml:"lastUsedAt,omitempty"`
	Valid        bool      `json:"valid" yaml:"valid"`
	Expired      bool      `json:"expired" yaml:"expired"`
	ExpiringSoon bool      `json:"expiringSoon" yaml:"expiringSoon"`
}

// Vault saves browser cookies per domain and account so later runs can skip the login form
type Vault struct {
	store  Store
	sealer *Sealer
	logger log.Logger
	now    func() time.Time
}

func NewVault(store Store, sealer *Sealer, logger log.Logger) *Vault {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Vault{
		store:  store,
		sealer: sealer,
		logger: log.With(logger, "component", "cookies"),
		now:    time.Now,
	}
}

// Filter drops analytics and nameless cookies
func Filter(cookies []browser.Cookie) []browser.Cookie {
	result := make([]browser.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		if _, ignored := ignoredCookies[c.Name]; ignored {
			continue
		}
		if c.Path == "" {
			c.Path = "/"
		}
		result = append(result, c)
	}
	return result
}

// ExpiryOf returns the earliest cookie expiry, or now plus DefaultLifetime when all cookies are session cookies
func ExpiryOf(cookies []browser.Cookie, now time.Time) time.Time {
	var earliest time.Time
	for _, c := range cookies {
		if c.IsSession() {
			continue
		}
		if earliest.IsZero() || c.Expires.Before(earliest) {
			earliest = c.Expires
		}
	}

	if earliest.IsZero() {
		return now.Add(DefaultLifetime)
	}
	return earliest
}

// Save stores cookies of the account on the domain replacing any previous set.
// Returns the number of cookies kept after filtering.
func (v *Vault) Save(ctx context.Context, domain, account string, cookies []browser.Cookie) (int, error) {
	kept := Filter(cookies)
	if len(kept) == 0 {
		level.Warn(v.logger).Log("msg", "no cookies worth saving", "domain", domain, "account", account)
		return 0, nil
	}

	data, err := json.Marshal(kept)
	if err != nil {
		return 0, err
	}
	payload, err := v.sealer.Seal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt cookies: %w", err)
	}

	now := v.now()
	record := Record{
		Domain:     domain,
		Account:    account,
		Payload:    payload,
		ExpiresAt:  ExpiryOf(kept, now),
		LastUsedAt: now,
		Valid:      true,
	}
	if err := v.store.PutCookieRecord(ctx, record); err != nil {
		return 0, err
	}

	level.Info(v.logger).Log("msg", "cookies saved", "domain", domain, "account", account, "count", len(kept), "expires", record.ExpiresAt)
	return len(kept), nil
}

// Load returns saved cookies. An invalid, expired or undecryptable record yields nothing and is marked invalid.
func (v *Vault) Load(ctx context.Context, domain, account string) ([]browser.Cookie, bool, error) {
	record, ok, err := v.store.GetCookieRecord(ctx, domain, account)
	if err != nil || !ok {
		return nil, false, err
	}
	if !record.Valid {
		level.Debug(v.logger).Log("msg", "cookies marked invalid", "domain", domain, "account", account)
		return nil, false, nil
	}

	now := v.now()
	if !record.ExpiresAt.After(now) {
		level.Info(v.logger).Log("msg", "cookies expired", "domain", domain, "account", account, "expired", record.ExpiresAt)
		return nil, false, v.invalidate(ctx, record)
	}

	data, err := v.sealer.Open(record.Payload)
	if err != nil {
		level.Error(v.logger).Log("msg", "failed to decrypt cookies", "domain", domain, "account", account, "err", err)
		return nil, false, v.invalidate(ctx, record)
	}

	var result []browser.Cookie
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, v.invalidate(ctx, record)
	}

	record.LastUsedAt = now
	if err := v.store.PutCookieRecord(ctx, record); err != nil {
		return nil, false, err
	}

	return result, true, nil
}

func (v *Vault) invalidate(ctx context.Context, record Record) error {
	record.Valid = false
	return v.store.PutCookieRecord(ctx, record)
}

// Invalidate marks saved cookies as unusable, i.e. after a failed cookie login
func (v *Vault) Invalidate(ctx context.Context, domain, account string) error {
	record, ok, err := v.store.GetCookieRecord(ctx, domain, account)
	if err != nil || !ok {
		return err
	}
	return v.invalidate(ctx, record)
}

// IsValid reports whether usable cookies exist without touching last use time
func (v *Vault) IsValid(ctx context.Context, domain, account string) (bool, error) {
	record, ok, err := v.store.GetCookieRecord(ctx, domain, account)
	if err != nil || !ok {
		return false, err
	}
	return record.Valid && record.ExpiresAt.After(v.now()), nil
}

func (v *Vault) Delete(ctx context.Context, domain, account string) (bool, error) {
	return v.store.DeleteCookieRecord(ctx, domain, account)
}

// CleanExpired removes expired and invalid records
func (v *Vault) CleanExpired(ctx context.Context) (int, error) {
	n, err := v.store.PurgeCookieRecords(ctx, v.now())
	if err == nil && n > 0 {
		level.Info(v.logger).Log("msg", "expired cookies removed", "count", n)
	}
	return n, err
}

// List describes saved records of a domain, or all of them for an empty domain
func (v *Vault) List(ctx context.Context, domain string) ([]Info, error) {
	records, err := v.store.ListCookieRecords(ctx, domain)
	if err != nil {
		return nil, err
	}

	now := v.now()
	result := make([]Info, 0, len(records))
	for _, r := range records {
		expired := !r.ExpiresAt.After(now)
		result = append(result, Info{
			Domain:       r.Domain,
			Account:      r.Account,
			ExpiresAt:    r.ExpiresAt,
			LastUsedAt:   r.LastUsedAt,
			Valid:        r.Valid,
			Expired:      expired,
			ExpiringSoon: !expired && r.ExpiresAt.Sub(now) < ExpiringSoonWindow,
		})
	}
	return result, nil
}
