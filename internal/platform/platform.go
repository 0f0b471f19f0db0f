// Package platform はSNSプラットフォームへの統一的なアダプタを提供する。
//
// 各プラットフォーム種別は対応する操作の集合を宣言し、
// 未対応の操作はmodel.ErrUnsupportedを返す。呼び出し側は失敗ではなく何もしない結果として扱う。
package platform

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/mediaagent/internal/model"
)

// Operation はアダプタの操作。
type Operation string

const (
	OpPublish     Operation = "publish"
	OpComment     Operation = "comment"
	OpLike        Operation = "like"
	OpFollow      Operation = "follow"
	OpSearch      Operation = "search"
	OpFetchEvents Operation = "fetch_events"
)

// Class は操作に対応するレート制限の操作クラスを返す。
func (o Operation) Class() model.OperationClass {
	switch o {
	case OpPublish:
		return model.ClassPublish
	case OpComment:
		return model.ClassComment
	case OpLike:
		return model.ClassLike
	case OpFollow:
		return model.ClassFollow
	case OpSearch:
		return model.ClassSearch
	default:
		return model.ClassFetch
	}
}

// Capabilities はアダプタが対応する操作の集合。
type Capabilities map[Operation]bool

// Has は操作に対応しているかどうかを返す。
func (c Capabilities) Has(op Operation) bool {
	return c[op]
}

// List は対応操作を名前順で返す。
func (c Capabilities) List() []Operation {
	ops := make([]Operation, 0, len(c))
	for op, ok := range c {
		if ok {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

func capabilities(ops ...Operation) Capabilities {
	c := make(Capabilities, len(ops))
	for _, op := range ops {
		c[op] = true
	}
	return c
}

// Kind はプラットフォーム種別。
type Kind string

const (
	KindTwitter   Kind = "twitter"
	KindInstagram Kind = "instagram"
	KindFacebook  Kind = "facebook"
	KindLinkedIn  Kind = "linkedin"
	KindWebhook   Kind = "webhook"
)

// kindCapabilities は種別ごとの対応操作。
var kindCapabilities = map[Kind]Capabilities{
	KindTwitter:   capabilities(OpPublish, OpComment, OpLike, OpFollow, OpSearch, OpFetchEvents),
	KindFacebook:  capabilities(OpPublish, OpComment, OpLike, OpFollow, OpSearch, OpFetchEvents),
	KindInstagram: capabilities(OpPublish, OpComment, OpLike, OpFollow, OpSearch),
	KindLinkedIn:  capabilities(OpPublish, OpComment),
	KindWebhook:   capabilities(OpPublish, OpComment, OpFetchEvents),
}

// CapabilitiesOf は種別の対応操作を返す。未知の種別の場合はfalseを返す。
func CapabilitiesOf(kind Kind) (Capabilities, bool) {
	c, ok := kindCapabilities[kind]
	return c, ok
}

// Adapter はプラットフォームアダプタのインターフェース。
// 戻り値の外部参照は投稿やコメントのプラットフォーム上のID。
type Adapter interface {
	Name() string
	Kind() Kind
	Capabilities() Capabilities
	Publish(ctx context.Context, account, text string) (string, error)
	Comment(ctx context.Context, account, targetRef, text string) (string, error)
	Like(ctx context.Context, account, targetRef string) error
	Follow(ctx context.Context, account, handle string) error
	Search(ctx context.Context, account, query string) ([]model.InboundEvent, error)
	FetchEvents(ctx context.Context, account string, since time.Time) ([]model.InboundEvent, error)
}

// EventCommitter はFetchEventsの取得位置を呼び出し側の処理完了まで確定しないアダプタが実装する。
// CommitEventsが呼ばれるまで、直前に返したイベントは次回のFetchEventsでも再び返される。
type EventCommitter interface {
	CommitEvents()
}

// unsupported は未対応操作のエラーを返す。
func unsupported(name string, op Operation) error {
	return fmt.Errorf("%s: %s: %w", name, op, model.ErrUnsupported)
}
