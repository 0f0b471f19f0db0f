// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ドメインエラー
var (
	// ErrNotFound は対象が存在しない。
	ErrNotFound = errors.New("対象が見つかりません")
	// ErrDuplicate は同一イベントに対する作業アイテムが既に存在する。
	ErrDuplicate = errors.New("重複した作業アイテムです")
	// ErrStateConflict は現在の状態では要求された遷移ができない。
	ErrStateConflict = errors.New("状態が競合しています")
	// ErrRateBudgetExhausted は配信枠が不足している。失敗ではなく延期の合図。
	ErrRateBudgetExhausted = errors.New("レート制限の枠がありません")
	// ErrUnsupported はプラットフォームが操作に対応していない。
	ErrUnsupported = errors.New("プラットフォームが対応していない操作です")
)

// ValidationError は入力検証エラー。キューには登録されない。
type ValidationError struct {
	Field  string
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("入力が不正です: %s: %s", e.Field, e.Reason)
}

// NewValidationError はValidationErrorを生成する。
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// FailureClass は配信失敗の分類。
type FailureClass string

const (
	// FailureTransient は再試行可能な失敗（ネットワーク、タイムアウト、429/5xx）。
	FailureTransient FailureClass = "transient"
	// FailurePermanent は再試行しない失敗（認証不正、コンテンツ拒否）。
	FailurePermanent FailureClass = "permanent"
	// FailureUnsupported はプラットフォームの機能不足。再試行しない。
	FailureUnsupported FailureClass = "unsupported"
)

// Retryable は再試行対象かどうかを返す。
func (c FailureClass) Retryable() bool {
	return c == FailureTransient
}

// DispatchError はアダプタ呼び出しの失敗を分類付きで表す。
type DispatchError struct {
	Class FailureClass
	Err   error
}

// Error はerrorインターフェースを実装する。
func (e *DispatchError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Transient は一時的な失敗としてラップする。
func Transient(err error) error {
	return &DispatchError{Class: FailureTransient, Err: err}
}

// Permanent は恒久的な失敗としてラップする。
func Permanent(err error) error {
	return &DispatchError{Class: FailurePermanent, Err: err}
}

// ClassOf はエラーの失敗分類を返す。分類のないエラーは一時的とみなす。
func ClassOf(err error) FailureClass {
	if errors.Is(err, ErrUnsupported) {
		return FailureUnsupported
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Class
	}
	return FailureTransient
}

// APIError は統一エラーフォーマットを表す。
// 原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, queue, platform, faq, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeWorkItemNotFound = "WORK_ITEM_NOT_FOUND"
	ErrCodeStateConflict    = "STATE_CONFLICT"
	ErrCodeDuplicate        = "DUPLICATE_WORK_ITEM"
	ErrCodePlatformNotFound = "PLATFORM_NOT_FOUND"
	ErrCodeFAQNotFound      = "FAQ_NOT_FOUND"
	ErrCodeInvalidFilter    = "INVALID_FILTER"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewValidationAPIError は入力検証エラーを生成する。
func NewValidationAPIError(err *ValidationError) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  err.Error(),
		Category: "validation",
		Action:   fmt.Sprintf("%s の値を確認してください。", err.Field),
	}
}

// NewWorkItemNotFoundError は作業アイテム未検出エラーを生成する。
func NewWorkItemNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeWorkItemNotFound,
		Message:  fmt.Sprintf("指定された作業アイテムが見つかりません: %s", id),
		Category: "queue",
		Action:   "作業アイテムIDを確認してください。",
	}
}

// NewStateConflictError は状態競合エラーを生成する。
func NewStateConflictError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeStateConflict,
		Message:  fmt.Sprintf("現在の状態では操作できません: %s", id),
		Category: "queue",
		Action:   "作業アイテムの状態を再取得してから操作してください。",
	}
}

// NewDuplicateError は重複エラーを生成する。
func NewDuplicateError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicate,
		Message:  "同じイベントに対する作業アイテムが既に存在します。",
		Category: "queue",
		Action:   "既存の作業アイテムを確認してください。",
	}
}

// NewPlatformNotFoundError は未登録プラットフォームのエラーを生成する。
func NewPlatformNotFoundError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodePlatformNotFound,
		Message:  fmt.Sprintf("プラットフォームが登録されていません: %s", platform),
		Category: "platform",
		Action:   "プラットフォーム設定ファイルを確認してください。",
	}
}

// NewFAQNotFoundError はFAQ項目未検出エラーを生成する。
func NewFAQNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeFAQNotFound,
		Message:  fmt.Sprintf("指定されたFAQ項目が見つかりません: %s", id),
		Category: "faq",
		Action:   "製品IDとFAQ項目IDを確認してください。",
	}
}

// NewInvalidFilterError は無効なフィルタエラーを生成する。
func NewInvalidFilterError(filter string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効なフィルタです: %s", filter),
		Category: "validation",
		Action:   "statusには pending、due、in_flight、published、failed、abandoned のいずれかを指定してください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
