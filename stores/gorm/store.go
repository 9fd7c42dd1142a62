// Package gorm provides a SQL-backed Repository using GORM. Any dialect GORM
// supports works as long as it enforces the linked-account primary key and
// serializes the conditional update used for email-token consumption.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/gatekit/gatekit"
)

// AutoMigrate creates the tables the store needs.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&UserModel{}, &AccountModel{})
}

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Find(ctx context.Context, q gatekit.Query) (*gatekit.User, error) {
	db := s.db.WithContext(ctx)
	var model UserModel
	var err error

	switch {
	case q.ID != "":
		err = db.First(&model, "id = ?", q.ID).Error
	case q.Email != "":
		err = db.First(&model, "email = ?", q.Email).Error
	case q.EmailTokenHash != "":
		err = db.First(&model, "email_token_hash = ?", q.EmailTokenHash).Error
	case q.Account != nil:
		var account AccountModel
		err = db.First(&account, "provider = ? AND provider_account_id = ?",
			q.Account.Provider, q.Account.AccountID).Error
		if err == nil {
			err = db.First(&model, "id = ?", account.UserID).Error
		}
	default:
		return nil, fmt.Errorf("empty query")
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, &model)
}

func (s *Store) Insert(ctx context.Context, u *gatekit.User, p *gatekit.ProviderProfile) (*gatekit.User, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(toModel(u)).Error; err != nil {
			return err
		}
		return saveAccounts(tx, u)
	})
	if err != nil {
		return nil, err
	}
	return s.Find(ctx, gatekit.Query{ID: u.ID})
}

func (s *Store) Update(ctx context.Context, u *gatekit.User, p *gatekit.ProviderProfile) (*gatekit.User, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := toModel(u)
		// Save with Select so cleared fields (a consumed token hash, a
		// toggled flag) are written even when zero-valued.
		if err := tx.Model(&UserModel{}).Where("id = ?", u.ID).
			Select("Email", "EmailVerified", "EmailTokenHash", "EmailTokenExpires", "Profile").
			Updates(model).Error; err != nil {
			return err
		}
		// Reconcile links: delete rows the record no longer carries, then
		// upsert the rest.
		var existing []AccountModel
		if err := tx.Find(&existing, "user_id = ?", u.ID).Error; err != nil {
			return err
		}
		for _, row := range existing {
			if u.AccountFor(row.Provider, row.ProviderAccountID) == nil {
				if err := tx.Delete(&AccountModel{}, "provider = ? AND provider_account_id = ?",
					row.Provider, row.ProviderAccountID).Error; err != nil {
					return err
				}
			}
		}
		return saveAccounts(tx, u)
	})
	if err != nil {
		return nil, err
	}
	return s.Find(ctx, gatekit.Query{ID: u.ID})
}

func saveAccounts(tx *gorm.DB, u *gatekit.User) error {
	for _, a := range u.Accounts {
		var row AccountModel
		err := tx.First(&row, "provider = ? AND provider_account_id = ?",
			a.Provider, a.ProviderAccountID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = AccountModel{
				Provider:          a.Provider,
				ProviderAccountID: a.ProviderAccountID,
				UserID:            u.ID,
				DisplayName:       a.DisplayName,
			}
			if err := tx.Create(&row).Error; err != nil {
				return translateErr(err)
			}
		case err != nil:
			return err
		case row.UserID != u.ID:
			return gatekit.ErrDuplicateLink
		}
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&AccountModel{}, "user_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&UserModel{}, "id = ?", id).Error
	})
}

func (s *Store) Serialize(u *gatekit.User) (string, error) {
	if u == nil || u.ID == "" {
		return "", fmt.Errorf("cannot serialize empty user")
	}
	return u.ID, nil
}

func (s *Store) Deserialize(ctx context.Context, id string) (*gatekit.User, error) {
	return s.Find(ctx, gatekit.Query{ID: id})
}

// ConsumeEmailToken performs the single-use invalidation as one conditional
// UPDATE. The WHERE clause matches the live hash, so of N concurrent
// redeemers exactly one sees RowsAffected==1; the rest observe a miss.
func (s *Store) ConsumeEmailToken(ctx context.Context, hash string) (*gatekit.User, error) {
	if hash == "" {
		return nil, nil
	}
	db := s.db.WithContext(ctx)

	var model UserModel
	if err := db.First(&model, "email_token_hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if time.Now().After(model.EmailTokenExpires) {
		return nil, nil
	}

	res := db.Model(&UserModel{}).
		Where("id = ? AND email_token_hash = ?", model.ID, hash).
		Updates(map[string]any{"email_token_hash": "", "email_token_expires": time.Time{}})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race to another redeemer.
		return nil, nil
	}
	return s.Find(ctx, gatekit.Query{ID: model.ID})
}

func (s *Store) hydrate(ctx context.Context, model *UserModel) (*gatekit.User, error) {
	var accounts []AccountModel
	if err := s.db.WithContext(ctx).Order("linked_at").Find(&accounts, "user_id = ?", model.ID).Error; err != nil {
		return nil, err
	}
	u := &gatekit.User{
		ID:                model.ID,
		Email:             model.Email,
		EmailVerified:     model.EmailVerified,
		EmailTokenHash:    model.EmailTokenHash,
		EmailTokenExpires: model.EmailTokenExpires,
		Profile:           model.Profile,
		CreatedAt:         model.CreatedAt,
		UpdatedAt:         model.UpdatedAt,
	}
	for _, a := range accounts {
		u.Accounts = append(u.Accounts, gatekit.LinkedAccount{
			UserID:            a.UserID,
			Provider:          a.Provider,
			ProviderAccountID: a.ProviderAccountID,
			DisplayName:       a.DisplayName,
			LinkedAt:          a.LinkedAt,
		})
	}
	return u, nil
}

func toModel(u *gatekit.User) *UserModel {
	return &UserModel{
		ID:                u.ID,
		Email:             u.Email,
		EmailVerified:     u.EmailVerified,
		EmailTokenHash:    u.EmailTokenHash,
		EmailTokenExpires: u.EmailTokenExpires,
		Profile:           JSONMap(u.Profile),
	}
}

// translateErr maps constraint violations onto the core's sentinel so lost
// link races fail closed into the already-linked path.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return gatekit.ErrDuplicateLink
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate") {
		return gatekit.ErrDuplicateLink
	}
	return err
}

var _ gatekit.Repository = (*Store)(nil)
