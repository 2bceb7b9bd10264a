package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/permit"
	"github.com/oarkflow/permit/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		handleValidate()
	case "convert":
		handleConvert()
	case "stats":
		handleStats()
	case "seed":
		handleSeed()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("permit-config - rule set tooling for the permission resolver")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  permit-config validate <file>          - Validate a rule set")
	fmt.Println("  permit-config convert <input> <output> - Convert between formats")
	fmt.Println("  permit-config stats <file>             - Show rule set statistics")
	fmt.Println("  permit-config seed <file> <sqlite-db>  - Load a rule set into a sqlite database")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: permit-config validate <file>")
		os.Exit(1)
	}
	cfg, err := permit.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if _, err := permit.BuildSnapshot(cfg.RuleSet()); err != nil {
		fmt.Printf("Invalid rule set: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: rule set is valid\n", os.Args[2])
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: permit-config convert <input> <output>")
		os.Exit(1)
	}
	cfg, err := permit.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	out := os.Args[3]
	var data []byte
	switch strings.ToLower(filepath.Ext(out)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		fmt.Printf("Unsupported output format: %s\n", out)
		os.Exit(1)
	}
	if err != nil {
		fmt.Printf("Error encoding config: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		fmt.Printf("Error writing %s: %v\n", out, err)
		os.Exit(1)
	}
	fmt.Printf("Converted %s -> %s\n", os.Args[2], out)
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: permit-config stats <file>")
		os.Exit(1)
	}
	cfg, err := permit.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	inheritable, conditional := 0, 0
	for _, p := range cfg.Permissions {
		if p.Inheritable {
			inheritable++
		}
		if len(p.ConditionIDs) > 0 {
			conditional++
		}
	}
	fmt.Printf("Modules:     %d\n", len(cfg.Modules))
	fmt.Printf("Types:       %d\n", len(cfg.Types))
	fmt.Printf("Conditions:  %d\n", len(cfg.Conditions))
	fmt.Printf("Permissions: %d (%d inheritable, %d conditional)\n", len(cfg.Permissions), inheritable, conditional)
	fmt.Printf("Overrides:   %d\n", len(cfg.Overrides))
}

func handleSeed() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: permit-config seed <file> <sqlite-db>")
		os.Exit(1)
	}
	cfg, err := permit.NewConfigLoader().LoadFile(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if _, err := permit.BuildSnapshot(cfg.RuleSet()); err != nil {
		fmt.Printf("Refusing to seed an invalid rule set: %v\n", err)
		os.Exit(1)
	}

	sqlDB, err := sql.Open("sqlite", os.Args[3])
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer sqlDB.Close()
	db := squealx.NewDb(sqlDB, "sqlite", "permit")
	if err := stores.Migrate(db); err != nil {
		fmt.Printf("Error migrating: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := stores.Seed(ctx, db, cfg); err != nil {
		fmt.Printf("Error seeding: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Seeded %s from %s\n", os.Args[3], os.Args[2])
}
