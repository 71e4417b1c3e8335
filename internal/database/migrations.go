package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/backend/internal/model"
	"github.com/MarcoPoloResearchLab/orbit/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeWhiteboardJSON = "2024-06-01_normalize_whiteboard_json"
	migrationNormalizeUserRoles      = "2024-06-15_normalize_user_roles"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeWhiteboardJSON, apply: normalizeWhiteboardJSON},
		{name: migrationNormalizeUserRoles, apply: normalizeUserRoles},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeWhiteboardJSON rewrites blank documents so they decode as empty collections.
func normalizeWhiteboardJSON(db *gorm.DB) error {
	if err := db.Model(&store.Whiteboard{}).
		Where("objects_json = '' OR objects_json = 'null'").
		Update("objects_json", "[]").Error; err != nil {
		return err
	}
	return db.Model(&store.Whiteboard{}).
		Where("settings_json = '' OR settings_json = 'null'").
		Update("settings_json", "{}").Error
}

func normalizeUserRoles(db *gorm.DB) error {
	var users []store.User
	if err := db.Find(&users).Error; err != nil {
		return err
	}
	for _, user := range users {
		normalized := string(model.NormalizeRole(user.Role))
		if normalized == user.Role {
			continue
		}
		if err := db.Model(&store.User{}).Where("id = ?", user.ID).Update("role", normalized).Error; err != nil {
			return err
		}
	}
	return nil
}
