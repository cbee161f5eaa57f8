package dbstore

import (
	"context"
	"time"

	"github.com/sre-norns/verdandi/pkg/cookies"
	"github.com/sre-norns/verdandi/pkg/task"
	"gorm.io/gorm/clause"
)

func recordOf(c task.StoredCookie) cookies.Record {
	return cookies.Record{
		Domain:     c.Domain,
		Account:    c.Account,
		Payload:    c.Payload,
		ExpiresAt:  c.ExpiresAt,
		LastUsedAt: c.LastUsedAt,
		Valid:      c.Valid,
	}
}

func (s *DbStore) GetCookieRecord(ctx context.Context, domain, account string) (cookies.Record, bool, error) {
	var result task.StoredCookie
	ok, err := found(s.db.WithContext(ctx).Where("domain = ? AND account = ?", domain, account).First(&result))
	return recordOf(result), ok, err
}

func (s *DbStore) PutCookieRecord(ctx context.Context, record cookies.Record) error {
	row := task.StoredCookie{
		Domain:     record.Domain,
		Account:    record.Account,
		Payload:    record.Payload,
		ExpiresAt:  record.ExpiresAt,
		LastUsedAt: record.LastUsedAt,
		Valid:      record.Valid,
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}, {Name: "account"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "expires_at", "last_used_at", "valid", "updated_at"}),
	}).Create(&row).Error
}

func (s *DbStore) DeleteCookieRecord(ctx context.Context, domain, account string) (bool, error) {
	return affected(s.db.WithContext(ctx).Where("domain = ? AND account = ?", domain, account).Delete(&task.StoredCookie{}))
}

func (s *DbStore) ListCookieRecords(ctx context.Context, domain string) ([]cookies.Record, error) {
	tx := s.db.WithContext(ctx)
	if domain != "" {
		tx = tx.Where("domain = ?", domain)
	}

	var rows []task.StoredCookie
	if err := tx.Order("domain").Order("account").Find(&rows).Error; err != nil {
		return nil, err
	}

	result := make([]cookies.Record, 0, len(rows))
	for _, row := range rows {
		result = append(result, recordOf(row))
	}
	return result, nil
}

func (s *DbStore) PurgeCookieRecords(ctx context.Context, expiredBefore time.Time) (int, error) {
	tx := s.db.WithContext(ctx).Where("valid = ? OR expires_at < ?", false, expiredBefore).Delete(&task.StoredCookie{})
	return int(tx.RowsAffected), tx.Error
}
