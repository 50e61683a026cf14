package main

import (
	"flag"
	"log"
	"os"

	"schoolplan/cmd/migration/versions"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	envFile := flag.String("env", "", "path to .env file to load")
	rollback := flag.Bool("rollback", false, "roll back the most recent migration")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("error loading env file %v: %v", *envFile, err)
		}
	}

	uri := os.Getenv("DATABASE_URI")
	if uri == "" {
		log.Fatal("DATABASE_URI must be set")
	}

	db, err := gorm.Open(postgres.Open(uri), &gorm.Config{})
	if err != nil {
		log.Fatalf("error connecting to database: %v", err)
	}

	m := gormigrate.New(db, gormigrate.DefaultOptions, versions.All)

	if *rollback {
		if err := m.RollbackLast(); err != nil {
			log.Fatalf("error rolling back migration: %v", err)
		}
		log.Println("rollback complete")
		return
	}

	if err := m.Migrate(); err != nil {
		log.Fatalf("error running migrations: %v", err)
	}
	log.Println("migrations complete")
}
