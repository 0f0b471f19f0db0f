package ratelimit

import (
	"github.com/hitoshi/mediaagent/internal/config"
	"github.com/hitoshi/mediaagent/internal/model"
)

// BudgetsFromConfig はプラットフォーム定義のbudgetsから枠の表を組み立てる。
// 未知の操作クラス名は無視する。
func BudgetsFromConfig(defs []config.PlatformConfig) Budgets {
	budgets := make(Budgets, len(defs))
	for _, def := range defs {
		if len(def.Budgets) == 0 {
			continue
		}
		byClass := make(map[model.OperationClass]Budget, len(def.Budgets))
		for name, b := range def.Budgets {
			class := model.OperationClass(name)
			if !class.Valid() {
				continue
			}
			byClass[class] = Budget{Limit: b.Limit, Window: b.Window}
		}
		budgets[def.Name] = byClass
	}
	return budgets
}
