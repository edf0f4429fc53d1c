package models

import (
	"log"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
)

func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&User{},
		&StorefrontConnection{},
		&Product{},
		&SyncJob{},
		&SyncHistory{},
		&SyncConflict{},
		&BusinessQuota{},
	)
	if err != nil {
		log.Printf("auto migrate failed: %v", err)
	}
}
