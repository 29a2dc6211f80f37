package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/nhle/mailcache/internal/model"
)

// RecordContacts adds weight to the frequency of each address, creating
// contacts as needed. A display name replaces the stored one only when it
// is non-empty and not just the address itself.
func (s *SQLiteStore) RecordContacts(
	ctx context.Context,
	addrs []model.ContactAddress,
	weight int,
) error {
	if len(addrs) == 0 {
		return nil
	}
	if weight <= 0 {
		weight = 1
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := toMillis(s.now())
	for _, a := range addrs {
		addr := model.NormalizeAddress(a.Address)
		if addr == "" {
			continue
		}
		name := strings.TrimSpace(a.Name)
		if strings.EqualFold(name, addr) {
			name = ""
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (address, name, frequency, last_used)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
				frequency = contacts.frequency + excluded.frequency,
				last_used = excluded.last_used,
				name      = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END`,
			addr, name, weight, now,
		)
		if err != nil {
			return fmt.Errorf("recording contact %s: %w", addr, err)
		}
	}

	return tx.Commit()
}

// SuggestContacts returns contacts whose address or name contains prefix.
// Prefix matches rank above substring matches; ties go to the more
// frequently used contact.
func (s *SQLiteStore) SuggestContacts(
	ctx context.Context,
	prefix string,
	limit int,
) ([]model.Contact, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	escaped := escapeLike(prefix)
	starts := escaped + "%"
	contains := "%" + escaped + "%"

	var rows []struct {
		Address   string `db:"address"`
		Name      string `db:"name"`
		Frequency int    `db:"frequency"`
		LastUsed  int64  `db:"last_used"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT address, name, frequency, last_used FROM contacts
		WHERE address LIKE ? ESCAPE '\' OR name LIKE ? ESCAPE '\'
		ORDER BY
			CASE WHEN address LIKE ? ESCAPE '\' OR name LIKE ? ESCAPE '\' THEN 0 ELSE 1 END,
			frequency DESC,
			last_used DESC
		LIMIT ?`,
		contains, contains, starts, starts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("suggesting contacts for %q: %w", prefix, err)
	}

	contacts := make([]model.Contact, 0, len(rows))
	for _, r := range rows {
		contacts = append(contacts, model.Contact{
			Address:   r.Address,
			Name:      r.Name,
			Frequency: r.Frequency,
			LastUsed:  fromMillis(r.LastUsed),
		})
	}
	return contacts, nil
}
