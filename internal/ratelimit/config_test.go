package ratelimit

import (
	"testing"
	"time"

	"github.com/hitoshi/mediaagent/internal/config"
	"github.com/hitoshi/mediaagent/internal/model"
)

func TestBudgetsFromConfig(t *testing.T) {
	defs := []config.PlatformConfig{
		{
			Name: "twitter",
			Budgets: map[string]config.BudgetConfig{
				"publish": {Limit: 50, Window: 24 * time.Hour},
				"comment": {Limit: 10, Window: time.Hour},
				"dance":   {Limit: 1, Window: time.Minute},
			},
		},
		{Name: "wordpress"},
	}

	budgets := BudgetsFromConfig(defs)

	b, ok := budgets.Lookup("twitter", model.ClassPublish)
	if !ok || b.Limit != 50 || b.Window != 24*time.Hour {
		t.Errorf("twitter/publish = %+v, %v", b, ok)
	}
	if _, ok := budgets.Lookup("twitter", model.ClassComment); !ok {
		t.Error("twitter/comment should be defined")
	}
	if len(budgets["twitter"]) != 2 {
		t.Errorf("twitter classes = %d, want 2 (unknown class ignored)", len(budgets["twitter"]))
	}
	if _, ok := budgets.Lookup("wordpress", model.ClassPublish); ok {
		t.Error("wordpress has no budgets and should be unlimited")
	}
}
