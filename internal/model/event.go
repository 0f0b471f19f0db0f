package model

import "time"

// InboundEvent はプラットフォーム上のコメントやメンションを表す。
// (Platform, ExternalID) が重複排除のキー。
type InboundEvent struct {
	Platform     string
	ExternalID   string
	AuthorHandle string
	Text         string
	TargetRef    string // 返信先の投稿ID
	ObservedAt   time.Time
}
