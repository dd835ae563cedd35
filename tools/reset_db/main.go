package main

import (
	"fmt"
	"log"
	"os"

	"im-chat/config"
	"im-chat/internal/model"
	dbPkg "im-chat/pkg/db"
)

// 清空顺序：子表在前
var tables = []interface{}{
	&model.Reaction{},
	&model.Report{},
	&model.Block{},
	&model.Presence{},
	&model.Message{},
	&model.User{},
}

func main() {
	cfg := config.LoadConfig()

	db, err := dbPkg.InitDB(cfg.Database)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	defer dbPkg.CloseDB()

	fmt.Printf("Database connected (%s)\n", cfg.Database.Driver)

	if len(os.Args) < 2 || os.Args[1] != "-y" {
		fmt.Print("\nWARNING: This operation will DROP ALL chat tables and recreate them!\n")
		fmt.Print("Type 'YES' to confirm: ")
		var confirm string
		fmt.Scanln(&confirm)
		if confirm != "YES" {
			fmt.Println("Operation cancelled")
			return
		}
	}

	m := db.Migrator()
	for _, t := range tables {
		stmt := fmt.Sprintf("%T", t)
		fmt.Printf("Dropping %s... ", stmt)
		if err := m.DropTable(t); err != nil {
			fmt.Printf("Failed: %v\n", err)
			continue
		}
		fmt.Println("Success")
	}

	if err := dbPkg.AutoMigrate(model.All()...); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	fmt.Println("\nDatabase reset completed")
}
