package model

import "time"

// FAQEntry は製品ごとのFAQ項目を表す。
// (ProductID, Question) の組で一意。更新は行の置き換えで表現する。
type FAQEntry struct {
	ID        string
	ProductID string
	Question  string
	Answer    string
	Keywords  []string // 正規化済みトークン集合
	CreatedAt time.Time
}

// FAQMatch はFAQ照合の結果。
type FAQMatch struct {
	Entry   FAQEntry
	Score   float64
	Overlap int
}
