package model

import "time"

// ActivityAction は活動記録の操作種別。
type ActivityAction string

const (
	ActionPublish       ActivityAction = "publish"
	ActionComment       ActivityAction = "comment"
	ActionEventReceived ActivityAction = "event_received"
	ActionFAQMatched    ActivityAction = "faq_matched"
	ActionReviewQueued  ActivityAction = "review_queued"
	ActionCancel        ActivityAction = "cancel"
	ActionRecover       ActivityAction = "recover"
)

// ActivityOutcome は活動記録の結果。
type ActivityOutcome string

const (
	OutcomeSuccess        ActivityOutcome = "success"
	OutcomeRetryScheduled ActivityOutcome = "retry_scheduled"
	OutcomeAbandoned      ActivityOutcome = "abandoned"
	OutcomeDeferred       ActivityOutcome = "deferred"
	OutcomeReceived       ActivityOutcome = "received"
	OutcomeQueued         ActivityOutcome = "queued"
)

// ActivityRecord は追記専用の活動記録。更新・削除はしない。
type ActivityRecord struct {
	ID         string
	WorkItemID string
	EventID    string
	Action     ActivityAction
	Platform   string
	Outcome    ActivityOutcome
	Detail     string
	Timestamp  time.Time
}

// ActivityFilter は活動記録一覧の絞り込み条件。
type ActivityFilter struct {
	Platform   string
	WorkItemID string
	Limit      int
}
