package database

import "github.com/meridianws/identity/internal/models"

func allModels() []any {
	return []any{
		&models.SSOProvider{},
		&models.DirectoryUser{},
		&models.DirectoryGroup{},
		&models.SSOSession{},
		&models.ProvisioningRule{},
	}
}
