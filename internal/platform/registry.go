package platform

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/mediaagent/internal/config"
	"github.com/hitoshi/mediaagent/internal/security"
)

// Info はAPIで公開するプラットフォーム情報。
type Info struct {
	Name         string      `json:"name"`
	Kind         Kind        `json:"kind"`
	Capabilities []Operation `json:"capabilities"`
	Concurrency  int         `json:"concurrency"`
	AutoResponse bool        `json:"auto_response"`
}

type entry struct {
	def     config.PlatformConfig
	adapter Adapter
}

// Registry は登録済みプラットフォームのアダプタと定義を保持する。
// queue.PlatformCatalogを実装する。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register はアダプタを登録する。同名の登録は置き換える。
func (r *Registry) Register(def config.PlatformConfig, adapter Adapter) {
	if def.Concurrency < 1 {
		def.Concurrency = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = entry{def: def, adapter: adapter}
}

// Get はアダプタを返す。
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.adapter, ok
}

// Definition はプラットフォーム定義を返す。
func (r *Registry) Definition(name string) (config.PlatformConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.def, ok
}

// Definitions は全プラットフォームの定義を名前順で返す。
func (r *Registry) Definitions() []config.PlatformConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.PlatformConfig, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names は登録済みのプラットフォーム名を名前順で返す。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supports はプラットフォームが登録済みかどうかを返す。
func (r *Registry) Supports(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Concurrency は(platform, account)あたりの同時配信数を返す。未登録の場合は1。
func (r *Registry) Concurrency(name string) int {
	def, ok := r.Definition(name)
	if !ok {
		return 1
	}
	return def.Concurrency
}

// Infos は全プラットフォームの公開情報を名前順で返す。
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{
			Name:         e.def.Name,
			Kind:         e.adapter.Kind(),
			Capabilities: e.adapter.Capabilities().List(),
			Concurrency:  e.def.Concurrency,
			AutoResponse: e.def.AutoResponse,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetAutoResponse は自動応答の設定を更新する。未登録の場合はfalseを返す。
func (r *Registry) SetAutoResponse(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	e.def.AutoResponse = enabled
	r.entries[name] = e
	return true
}

// Dependencies はBuildRegistryが使用する依存。
type Dependencies struct {
	Credentials CredentialProvider
	Guard       *security.EndpointGuard
	Sanitizer   security.TextSanitizer
	Logger      *slog.Logger
	Timeout     time.Duration
	// HTTPClient を指定した場合はGuardのクライアントの代わりに使用する
	HTTPClient *http.Client
}

// BuildRegistry はプラットフォーム定義からアダプタを生成してRegistryを構築する。
// エンドポイントは起動時に静的検証し、通信時はsafeurlのクライアントで接続先を検証する。
func BuildRegistry(defs []config.PlatformConfig, deps Dependencies) (*Registry, error) {
	reg := NewRegistry()
	for _, def := range defs {
		if deps.Guard != nil {
			if err := deps.Guard.ValidateEndpoint(def.Endpoint); err != nil {
				return nil, fmt.Errorf("platform %s: invalid endpoint: %w", def.Name, err)
			}
			if def.EventsURL != "" {
				if err := deps.Guard.ValidateEndpoint(def.EventsURL); err != nil {
					return nil, fmt.Errorf("platform %s: invalid events_url: %w", def.Name, err)
				}
			}
		}

		client := deps.HTTPClient
		if client == nil && deps.Guard != nil {
			client = deps.Guard.NewSafeClient(deps.Timeout)
		}

		adapter, err := NewWebhookAdapter(WebhookConfig{
			Name:      def.Name,
			Kind:      Kind(def.Kind),
			Endpoint:  def.Endpoint,
			EventsURL: def.EventsURL,
			Timeout:   deps.Timeout,
		}, deps.Credentials, deps.Sanitizer, deps.Logger, WithHTTPClient(client))
		if err != nil {
			return nil, fmt.Errorf("platform %s: %w", def.Name, err)
		}
		reg.Register(def, adapter)
	}
	return reg, nil
}
