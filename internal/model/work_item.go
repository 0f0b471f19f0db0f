package model

import "time"

// WorkKind は作業アイテムの種別を表す。
type WorkKind string

const (
	// WorkKindPost は予約投稿。
	WorkKindPost WorkKind = "post"
	// WorkKindResponse はインバウンドイベントへの返信。
	WorkKindResponse WorkKind = "response"
)

// Valid は既知の種別かどうかを返す。
func (k WorkKind) Valid() bool {
	return k == WorkKindPost || k == WorkKindResponse
}

// WorkStatus は作業アイテムの状態を表す。
type WorkStatus string

const (
	// WorkStatusPending は実行時刻待ち、または承認待ちの状態。
	WorkStatusPending WorkStatus = "pending"
	// WorkStatusDue は実行可能で配信待ちの状態。
	WorkStatusDue WorkStatus = "due"
	// WorkStatusInFlight はプラットフォームへ配信中の状態。
	WorkStatusInFlight WorkStatus = "in_flight"
	// WorkStatusPublished は配信成功（終端）。
	WorkStatusPublished WorkStatus = "published"
	// WorkStatusFailed は配信失敗。再キューまたは放棄を待つ。
	WorkStatusFailed WorkStatus = "failed"
	// WorkStatusAbandoned は放棄（終端）。
	WorkStatusAbandoned WorkStatus = "abandoned"
)

// Valid は既知の状態かどうかを返す。
func (s WorkStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal は終端状態かどうかを返す。
func (s WorkStatus) IsTerminal() bool {
	return s == WorkStatusPublished || s == WorkStatusAbandoned
}

// transitions は許可された状態遷移。
// in_flight -> due は配信枠不足による延期でのみ使用する。
var transitions = map[WorkStatus][]WorkStatus{
	WorkStatusPending:   {WorkStatusDue, WorkStatusAbandoned},
	WorkStatusDue:       {WorkStatusInFlight, WorkStatusAbandoned},
	WorkStatusInFlight:  {WorkStatusPublished, WorkStatusFailed, WorkStatusDue, WorkStatusAbandoned},
	WorkStatusFailed:    {WorkStatusDue, WorkStatusAbandoned},
	WorkStatusPublished: {},
	WorkStatusAbandoned: {},
}

// CanTransition はfromからtoへの遷移が許可されているかを返す。
func CanTransition(from, to WorkStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WorkItem は予約投稿と返信を統一的に扱う作業単位。
// 状態遷移はContent Queueのみが行う。
type WorkItem struct {
	ID               string
	Kind             WorkKind
	ProductID        string
	Platform         string
	Account          string // 空はプラットフォームの既定アカウント
	Payload          string
	TargetRef        string // 返信先の外部投稿ID（postでは空）
	SourceEventID    string // 起点となったインバウンドイベントのexternal_id
	NotBefore        time.Time
	Status           WorkStatus
	RequiresApproval bool
	CancelRequested  bool
	AttemptCount     int
	ErrorClass       FailureClass
	ErrorMessage     string
	ExternalRef      string // 配信先で採番された投稿ID
	Version          int64  // 楽観ロック用
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Clone は作業アイテムのコピーを返す。
func (w *WorkItem) Clone() *WorkItem {
	if w == nil {
		return nil
	}
	c := *w
	return &c
}

// InFlightKey は同時実行数制限のキー（platform, account）を返す。
func (w *WorkItem) InFlightKey() string {
	return w.Platform + "\x00" + w.Account
}

// WorkItemDraft はEnqueueの入力。
type WorkItemDraft struct {
	Kind             WorkKind
	ProductID        string
	Platform         string
	Account          string
	Payload          string
	TargetRef        string
	SourceEventID    string
	NotBefore        time.Time // ゼロ値は即時
	RequiresApproval bool
}

// WorkItemFilter は一覧取得の絞り込み条件。
type WorkItemFilter struct {
	Status    WorkStatus
	Platform  string
	ProductID string
	Review    bool // trueの場合は承認待ちのみ
	Limit     int
}

// Outcome はComplete時の配信結果。
type Outcome struct {
	Success     bool
	ExternalRef string
	Class       FailureClass
	Message     string
}

// Succeeded は成功結果を生成する。
func Succeeded(externalRef string) Outcome {
	return Outcome{Success: true, ExternalRef: externalRef}
}

// FailedWith は失敗結果を生成する。
func FailedWith(class FailureClass, message string) Outcome {
	return Outcome{Class: class, Message: message}
}
