package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/mediaagent/internal/model"
	"github.com/hitoshi/mediaagent/internal/security"
)

const (
	// maxResponseSize はブリッジ応答とイベントフィードの最大読み取りサイズ。
	maxResponseSize = 5 << 20
	userAgent       = "mediaagent/1.0"
)

// WebhookConfig はWebhookAdapterの設定。
type WebhookConfig struct {
	Name      string
	Kind      Kind
	Endpoint  string // 操作を受け付けるブリッジのURL
	EventsURL string // インバウンドイベントのRSS/Atomフィード。空の場合はfetch_events非対応
	Timeout   time.Duration
}

// WebhookAdapter はプラットフォームごとのブリッジサービスにHTTPで操作を中継するアダプタ。
// 操作はJSONでPOSTし、インバウンドイベントはRSS/Atomフィードとして取得する。
// 連続した一時的失敗はサーキットブレーカーで遮断する。
type WebhookAdapter struct {
	name        string
	kind        Kind
	caps        Capabilities
	endpoint    string
	eventsURL   string
	credentials CredentialProvider
	client      *http.Client
	breaker     circuitbreaker.CircuitBreaker[*http.Response]
	executor    failsafe.Executor[*http.Response]
	sanitizer   security.TextSanitizer
	logger      *slog.Logger
	now         func() time.Time

	// イベントフィードの条件付きGET用。pendingはCommitEventsで確定する
	mu           sync.Mutex
	etag         string
	lastModified string
	pending      *feedValidators
}

type feedValidators struct {
	etag         string
	lastModified string
}

// WebhookOption はWebhookAdapterの生成オプション。
type WebhookOption func(*WebhookAdapter)

// WithHTTPClient はHTTPクライアントを差し替える。
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(a *WebhookAdapter) {
		if client != nil {
			a.client = client
		}
	}
}

// WithCircuitBreaker はサーキットブレーカーを差し替える。
func WithCircuitBreaker(cb circuitbreaker.CircuitBreaker[*http.Response]) WebhookOption {
	return func(a *WebhookAdapter) {
		if cb != nil {
			a.breaker = cb
		}
	}
}

// NewWebhookAdapter はWebhookAdapterを生成する。既定のHTTPクライアントはタイムアウトのみを設定する。
func NewWebhookAdapter(cfg WebhookConfig, credentials CredentialProvider, sanitizer security.TextSanitizer, logger *slog.Logger, opts ...WebhookOption) (*WebhookAdapter, error) {
	base, ok := CapabilitiesOf(cfg.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown platform kind: %q", cfg.Kind)
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%s: endpoint is required", cfg.Name)
	}

	caps := make(Capabilities, len(base))
	for op, v := range base {
		caps[op] = v
	}
	if cfg.EventsURL == "" {
		delete(caps, OpFetchEvents)
	}

	a := &WebhookAdapter{
		name:        cfg.Name,
		kind:        cfg.Kind,
		caps:        caps,
		endpoint:    cfg.Endpoint,
		eventsURL:   cfg.EventsURL,
		credentials: credentials,
		client:      &http.Client{Timeout: cfg.Timeout},
		sanitizer:   sanitizer,
		logger:      logger,
		now:         time.Now,
	}
	a.breaker = NewCircuitBreaker(cfg.Name, logger)
	for _, opt := range opts {
		opt(a)
	}
	a.executor = failsafe.With(a.breaker)
	return a, nil
}

// NewCircuitBreaker はアダプタ用のサーキットブレーカーを生成する。
// 直近10回中5回の失敗で遮断し、15秒後に半開状態で1回試行する。
func NewCircuitBreaker(name string, logger *slog.Logger) circuitbreaker.CircuitBreaker[*http.Response] {
	return circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(15 * time.Second).
		WithSuccessThreshold(1).
		HandleIf(shouldTrip).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("platform", name),
				slog.String("from_state", stateName(event.OldState)),
				slog.String("to_state", stateName(event.NewState)),
			)
		}).
		Build()
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

// Name はプラットフォーム名を返す。
func (a *WebhookAdapter) Name() string { return a.name }

// Kind はプラットフォーム種別を返す。
func (a *WebhookAdapter) Kind() Kind { return a.kind }

// Capabilities は対応操作を返す。
func (a *WebhookAdapter) Capabilities() Capabilities { return a.caps }

type bridgeRequest struct {
	Operation Operation `json:"operation"`
	Account   string    `json:"account,omitempty"`
	Text      string    `json:"text,omitempty"`
	TargetRef string    `json:"target_ref,omitempty"`
	Handle    string    `json:"handle,omitempty"`
	Query     string    `json:"query,omitempty"`
}

type bridgeEvent struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	TargetRef string    `json:"target_ref"`
	CreatedAt time.Time `json:"created_at"`
}

type bridgeResponse struct {
	Ref    string        `json:"ref"`
	Events []bridgeEvent `json:"events"`
}

// Publish は投稿を公開し、外部参照を返す。
func (a *WebhookAdapter) Publish(ctx context.Context, account, text string) (string, error) {
	if !a.caps.Has(OpPublish) {
		return "", unsupported(a.name, OpPublish)
	}
	resp, err := a.call(ctx, account, bridgeRequest{Operation: OpPublish, Account: account, Text: text})
	if err != nil {
		return "", err
	}
	return resp.Ref, nil
}

// Comment はtargetRefの投稿に返信し、外部参照を返す。
func (a *WebhookAdapter) Comment(ctx context.Context, account, targetRef, text string) (string, error) {
	if !a.caps.Has(OpComment) {
		return "", unsupported(a.name, OpComment)
	}
	if targetRef == "" {
		return "", model.Permanent(fmt.Errorf("%s: comment requires target_ref", a.name))
	}
	resp, err := a.call(ctx, account, bridgeRequest{Operation: OpComment, Account: account, TargetRef: targetRef, Text: text})
	if err != nil {
		return "", err
	}
	return resp.Ref, nil
}

// Like はtargetRefの投稿にいいねする。
func (a *WebhookAdapter) Like(ctx context.Context, account, targetRef string) error {
	if !a.caps.Has(OpLike) {
		return unsupported(a.name, OpLike)
	}
	_, err := a.call(ctx, account, bridgeRequest{Operation: OpLike, Account: account, TargetRef: targetRef})
	return err
}

// Follow はhandleのユーザーをフォローする。
func (a *WebhookAdapter) Follow(ctx context.Context, account, handle string) error {
	if !a.caps.Has(OpFollow) {
		return unsupported(a.name, OpFollow)
	}
	_, err := a.call(ctx, account, bridgeRequest{Operation: OpFollow, Account: account, Handle: handle})
	return err
}

// Search はクエリに一致する投稿をイベントとして返す。
func (a *WebhookAdapter) Search(ctx context.Context, account, query string) ([]model.InboundEvent, error) {
	if !a.caps.Has(OpSearch) {
		return nil, unsupported(a.name, OpSearch)
	}
	resp, err := a.call(ctx, account, bridgeRequest{Operation: OpSearch, Account: account, Query: query})
	if err != nil {
		return nil, err
	}

	events := make([]model.InboundEvent, 0, len(resp.Events))
	for _, e := range resp.Events {
		if e.ID == "" {
			continue
		}
		observed := e.CreatedAt
		if observed.IsZero() {
			observed = a.now()
		}
		target := e.TargetRef
		if target == "" {
			target = e.ID
		}
		events = append(events, model.InboundEvent{
			Platform:     a.name,
			ExternalID:   e.ID,
			AuthorHandle: e.Author,
			Text:         a.sanitizer.Sanitize(e.Text),
			TargetRef:    target,
			ObservedAt:   observed,
		})
	}
	return events, nil
}

// FetchEvents はイベントフィードの全アイテムをインバウンドイベントとして返す。
// 遅れて届くイベントを落とさないようsinceでは絞り込まず、重複は呼び出し側の既読管理で除く。
// ETag/Last-Modifiedによる条件付きGETを行い、未変更の場合は空を返す。
// 応答の検証子はCommitEventsが呼ばれるまで次回のリクエストに使わない。
func (a *WebhookAdapter) FetchEvents(ctx context.Context, account string, _ time.Time) ([]model.InboundEvent, error) {
	if !a.caps.Has(OpFetchEvents) {
		return nil, unsupported(a.name, OpFetchEvents)
	}

	token, err := a.credential(ctx, account)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	etag, lastModified := a.etag, a.lastModified
	a.mu.Unlock()

	resp, err := a.execute(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.eventsURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		if lastModified != "" {
			req.Header.Set("If-Modified-Since", lastModified)
		}
		a.authorize(req, token)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if err := statusError(a.name, OpFetchEvents, resp); err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, model.Permanent(fmt.Errorf("%s: failed to parse events feed: %w", a.name, err))
	}

	a.mu.Lock()
	a.pending = &feedValidators{
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}
	a.mu.Unlock()

	now := a.now()
	events := make([]model.InboundEvent, 0, len(feed.Items))
	for _, item := range feed.Items {
		ev, ok := a.eventFromItem(item, now)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// CommitEvents は直前のFetchEventsで受け取った検証子を確定し、次回から条件付きGETに使う。
func (a *WebhookAdapter) CommitEvents() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return
	}
	a.etag = a.pending.etag
	a.lastModified = a.pending.lastModified
	a.pending = nil
}

// eventFromItem はフィードアイテムをインバウンドイベントに変換する。IDを持たないアイテムは除外する。
func (a *WebhookAdapter) eventFromItem(item *gofeed.Item, now time.Time) (model.InboundEvent, bool) {
	id := item.GUID
	if id == "" {
		id = item.Link
	}
	if id == "" {
		return model.InboundEvent{}, false
	}

	text := item.Description
	if text == "" {
		text = item.Content
	}
	if text == "" {
		text = item.Title
	}

	var author string
	if item.Author != nil {
		author = item.Author.Name
	} else if len(item.Authors) > 0 && item.Authors[0] != nil {
		author = item.Authors[0].Name
	}

	observed := now
	if item.PublishedParsed != nil {
		observed = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		observed = *item.UpdatedParsed
	}

	return model.InboundEvent{
		Platform:     a.name,
		ExternalID:   id,
		AuthorHandle: author,
		Text:         a.sanitizer.Sanitize(text),
		TargetRef:    id,
		ObservedAt:   observed,
	}, true
}

var _ EventCommitter = (*WebhookAdapter)(nil)

// call は操作をブリッジにPOSTし、応答を返す。
func (a *WebhookAdapter) call(ctx context.Context, account string, payload bridgeRequest) (*bridgeResponse, error) {
	token, err := a.credential(ctx, account)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, model.Permanent(fmt.Errorf("%s: failed to encode request: %w", a.name, err))
	}

	resp, err := a.execute(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		a.authorize(req, token)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := statusError(a.name, payload.Operation, resp); err != nil {
		a.logger.Warn("ブリッジがエラーステータスを返しました",
			slog.String("platform", a.name),
			slog.String("operation", string(payload.Operation)),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, err
	}

	var out bridgeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return nil, model.Transient(fmt.Errorf("%s: failed to decode response: %w", a.name, err))
	}
	return &out, nil
}

// execute はサーキットブレーカーを通してリクエストを実行する。
// 通信エラー、タイムアウト、遮断中はいずれも一時的失敗として返す。
func (a *WebhookAdapter) execute(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	resp, err := a.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := build()
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		return a.client.Do(req)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, model.Transient(fmt.Errorf("%s: circuit open: %w", a.name, err))
		}
		return nil, model.Transient(fmt.Errorf("%s: request failed: %w", a.name, err))
	}
	return resp, nil
}

func (a *WebhookAdapter) credential(ctx context.Context, account string) (string, error) {
	token, err := a.credentials.Credential(ctx, a.name, account)
	if err != nil {
		return "", model.Permanent(fmt.Errorf("%s: %w", a.name, err))
	}
	return token, nil
}

func (a *WebhookAdapter) authorize(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// statusError は2xx以外の応答を分類付きエラーに変換する。
func statusError(name string, op Operation, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
	return &model.DispatchError{
		Class: ClassifyHTTPStatus(resp.StatusCode),
		Err:   fmt.Errorf("%s: %s returned status %d", name, op, resp.StatusCode),
	}
}

var _ Adapter = (*WebhookAdapter)(nil)
