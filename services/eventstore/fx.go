package eventstore

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("eventstore",
	fx.Provide(Provide),
)

func Provide(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, err
	}
	return New(db, logger), nil
}
