package dbhelper

import (
	"log"
	"lumiapi/models"

	"gorm.io/gorm"
)

func SetupCleaner(db *gorm.DB) func() {

	return func() {

		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ModelGenerationJob{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.GeneratedModel{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ImageGenerationJob{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.GeneratedImage{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.GenerationRequest{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.UserPushToken{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.UserAccount{})

	}
}

func Migrate(db *gorm.DB, model interface{}) {
	err := db.AutoMigrate(model)
	if err != nil {
		log.Printf("Error while migrating %s", model)
		log.Fatal(err)
	}
}
