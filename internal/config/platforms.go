package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultPlatformPollInterval はプラットフォーム個別の指定がない場合のポーリング間隔。
const defaultPlatformPollInterval = 2 * time.Minute

// BudgetConfig は操作クラスごとのレート予算。
type BudgetConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// PlatformConfig はプラットフォーム定義ファイルの1エントリ。
type PlatformConfig struct {
	Name         string                  `yaml:"name"`
	Kind         string                  `yaml:"kind"`
	Endpoint     string                  `yaml:"endpoint"`
	EventsURL    string                  `yaml:"events_url"`
	ProductID    string                  `yaml:"product_id"`
	OwnHandle    string                  `yaml:"own_handle"`
	Account      string                  `yaml:"account"`
	Concurrency  int                     `yaml:"concurrency"`
	PollInterval time.Duration           `yaml:"poll_interval"`
	AutoResponse bool                    `yaml:"auto_response"`
	Budgets      map[string]BudgetConfig `yaml:"budgets"`
}

type platformsFile struct {
	Platforms []PlatformConfig `yaml:"platforms"`
}

// LoadPlatforms はプラットフォーム定義ファイルを読み込む。
func LoadPlatforms(path string) ([]PlatformConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read platforms file: %w", err)
	}
	return ParsePlatforms(data)
}

// ParsePlatforms はプラットフォーム定義を解析し、既定値を補って検証する。
func ParsePlatforms(data []byte) ([]PlatformConfig, error) {
	var file platformsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse platforms file: %w", err)
	}

	seen := make(map[string]bool, len(file.Platforms))
	for i := range file.Platforms {
		p := &file.Platforms[i]
		if p.Name == "" {
			return nil, fmt.Errorf("platforms[%d]: name is required", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("platforms[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Kind == "" {
			p.Kind = p.Name
		}
		if p.Concurrency < 1 {
			p.Concurrency = 1
		}
		if p.PollInterval <= 0 {
			p.PollInterval = defaultPlatformPollInterval
		}
		for class, b := range p.Budgets {
			if b.Limit < 0 {
				return nil, fmt.Errorf("platforms[%d].budgets.%s: limit must not be negative", i, class)
			}
		}
	}
	return file.Platforms, nil
}
