package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"slotwatch/cmd"
	"slotwatch/config"
	"slotwatch/db"
	"slotwatch/logger"
)

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(config.ConfigPath)

	if err := viper.MergeInConfig(); err != nil {
		logger.GlobalLogger.Warn("Error reading config.yaml file, using defaults. Create one from config-example.yaml to point at your node", "err", err)
	}

	if err := godotenv.Load(config.ConfigPath + ".env"); err != nil {
		logger.GlobalLogger.Warn("Error reading .env file, database export needs one, create it from .env-example", "err", err)
	}

	viper.AutomaticEnv()
}

// initDB makes sure the export tables exist. It only runs when export is on.
func initDB() {
	if !viper.GetBool("export.enabled") {
		return
	}
	ch, err := db.NewClickhouse()
	if err != nil {
		logger.GlobalLogger.Error("Failed to open database", "err", err)
		return
	}
	defer ch.Close()

	logger.GlobalLogger.Info("Try to ensure database and tables exist")

	if err := ch.EnsureDatabaseExists(); err != nil {
		logger.GlobalLogger.Error("Failed to ensure database", "err", err)
		return
	}

	if err := ch.CreateTables(); err != nil {
		logger.GlobalLogger.Error("Failed to create tables", "err", err)
	}
}

func main() {
	initConfig()
	initDB()
	if err := cmd.RootCmd.Execute(); err != nil {
		logger.GlobalLogger.Error("Error executing command", "err", err)
	}

	logger.CloseAll()
}
