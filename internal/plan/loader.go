// Package plan loads subscription plans and answers quota questions.
package plan

import (
	"context"
	"fmt"
	"os"

	"autotrade-core/pkg/db"

	"gopkg.in/yaml.v3"
)

// Config represents a subscription plan entry in YAML.
type Config struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	DailyTradeLimit int      `yaml:"daily_trade_limit"`
	AllowedModes    []string `yaml:"allowed_modes"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Plans []Config `yaml:"plans"`
}

// LoadConfig reads plans from a YAML file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	return file.Plans, nil
}

// Defaults returns the built-in plan tiers used when no seed file exists.
func Defaults() []Config {
	return []Config{
		{ID: "free", Name: "Free", DailyTradeLimit: 0, AllowedModes: nil},
		{ID: "basic", Name: "Basic", DailyTradeLimit: 10, AllowedModes: []string{"conservative", "moderate"}},
		{ID: "pro", Name: "Pro", DailyTradeLimit: 50, AllowedModes: []string{"conservative", "moderate", "aggressive"}},
		{ID: "enterprise", Name: "Enterprise", DailyTradeLimit: 1000, AllowedModes: []string{"conservative", "moderate", "aggressive"}},
	}
}

// SyncToDB upserts plans into the database.
func SyncToDB(ctx context.Context, queries *db.UserQueries, configs []Config) error {
	for _, c := range configs {
		if c.ID == "" {
			return fmt.Errorf("plan with empty id in config")
		}
		p := db.Plan{
			ID:              c.ID,
			Name:            c.Name,
			DailyTradeLimit: c.DailyTradeLimit,
			AllowedModes:    c.AllowedModes,
		}
		if err := queries.UpsertPlan(ctx, p); err != nil {
			return fmt.Errorf("upsert plan %s: %w", c.ID, err)
		}
	}
	return nil
}

// Seed loads plans from path when present, falling back to Defaults, and syncs
// them into the database.
func Seed(ctx context.Context, queries *db.UserQueries, path string) error {
	configs, err := LoadConfig(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		configs = Defaults()
	}
	return SyncToDB(ctx, queries, configs)
}
