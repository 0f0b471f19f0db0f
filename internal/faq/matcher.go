package faq

import (
	"github.com/hitoshi/mediaagent/internal/model"
)

// DefaultThreshold は照合成立とみなすスコアの既定値。
const DefaultThreshold = 0.5

// Match はテキストに最も合致するFAQ項目を返す。I/Oを伴わない純粋関数。
//
// スコアは「テキストのトークンと項目キーワードの共通部分の数 / 項目キーワード数」。
// 同点の場合は共通部分の数が多いもの、作成日時が早いもの、IDが小さいものの順で選ぶ。
// キーワードを持たない項目は照合対象にならない。
// 最高スコアがthreshold未満の場合はfalseを返す。
func Match(text string, entries []model.FAQEntry, threshold float64) (model.FAQMatch, bool) {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return model.FAQMatch{}, false
	}

	var best model.FAQMatch
	found := false

	for _, entry := range entries {
		keywords := NormalizeKeywords(entry.Keywords)
		if len(keywords) == 0 {
			continue
		}

		overlap := 0
		for _, kw := range keywords {
			if _, ok := tokens[kw]; ok {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}

		candidate := model.FAQMatch{
			Entry:   entry,
			Score:   float64(overlap) / float64(len(keywords)),
			Overlap: overlap,
		}
		if !found || better(candidate, best) {
			best = candidate
			found = true
		}
	}

	if !found || best.Score < threshold {
		return model.FAQMatch{}, false
	}
	return best, true
}

// better はaがbより優先されるかを返す。入力順に依存しない全順序。
func better(a, b model.FAQMatch) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Overlap != b.Overlap {
		return a.Overlap > b.Overlap
	}
	if !a.Entry.CreatedAt.Equal(b.Entry.CreatedAt) {
		return a.Entry.CreatedAt.Before(b.Entry.CreatedAt)
	}
	return a.Entry.ID < b.Entry.ID
}
