package healthchecker

import (
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/database"
)

func CheckDB() error {
	_, err := database.NewDatabase()
	return err
}
