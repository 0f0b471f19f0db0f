package faq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/mediaagent/internal/model"
	"github.com/hitoshi/mediaagent/internal/repository"
)

// EntryInput はFAQ項目の登録入力。
type EntryInput struct {
	Question string
	Answer   string
	Keywords []string
}

// Service は製品FAQの管理と照合を提供する。
type Service struct {
	repo      repository.FAQRepository
	threshold float64
	now       func() time.Time
}

// NewService はServiceを生成する。thresholdが0以下の場合はDefaultThresholdを使用する。
func NewService(repo repository.FAQRepository, threshold float64) *Service {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Service{repo: repo, threshold: threshold, now: time.Now}
}

// Threshold は照合閾値を返す。
func (s *Service) Threshold() float64 {
	return s.threshold
}

// List は製品のFAQ項目を返す。
func (s *Service) List(ctx context.Context, productID string) ([]model.FAQEntry, error) {
	return s.repo.ListByProduct(ctx, productID)
}

func (s *Service) build(productID string, in EntryInput, createdAt time.Time) (model.FAQEntry, error) {
	question := strings.TrimSpace(in.Question)
	answer := strings.TrimSpace(in.Answer)
	if question == "" {
		return model.FAQEntry{}, model.NewValidationError("question", "質問が空です")
	}
	if answer == "" {
		return model.FAQEntry{}, model.NewValidationError("answer", "回答が空です")
	}

	return model.FAQEntry{
		ID:        uuid.New().String(),
		ProductID: productID,
		Question:  question,
		Answer:    answer,
		Keywords:  NormalizeKeywords(in.Keywords),
		CreatedAt: createdAt,
	}, nil
}

// Upsert はFAQ項目を登録する。同じ質問の項目があれば新しい版で置き換える。
func (s *Service) Upsert(ctx context.Context, productID string, in EntryInput) (*model.FAQEntry, error) {
	if productID == "" {
		return nil, model.NewValidationError("product_id", "製品IDが空です")
	}
	entry, err := s.build(productID, in, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.repo.Upsert(ctx, &entry); err != nil {
		return nil, fmt.Errorf("FAQの登録に失敗しました: %w", err)
	}
	return &entry, nil
}

// Replace は製品のFAQ項目を一括で置き換える。
// 入力順が照合の同点決着順になるよう、作成日時を1マイクロ秒ずつずらす。
func (s *Service) Replace(ctx context.Context, productID string, inputs []EntryInput) ([]model.FAQEntry, error) {
	if productID == "" {
		return nil, model.NewValidationError("product_id", "製品IDが空です")
	}

	base := s.now().UTC().Truncate(time.Microsecond)
	entries := make([]model.FAQEntry, 0, len(inputs))
	seen := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		entry, err := s.build(productID, in, base.Add(time.Duration(i)*time.Microsecond))
		if err != nil {
			return nil, err
		}
		if seen[entry.Question] {
			return nil, model.NewValidationError("question", fmt.Sprintf("質問が重複しています: %s", entry.Question))
		}
		seen[entry.Question] = true
		entries = append(entries, entry)
	}

	if err := s.repo.ReplaceForProduct(ctx, productID, entries); err != nil {
		return nil, fmt.Errorf("FAQの置き換えに失敗しました: %w", err)
	}
	return entries, nil
}

// Delete はFAQ項目を削除する。
func (s *Service) Delete(ctx context.Context, productID, id string) error {
	return s.repo.Delete(ctx, productID, id)
}

// MatchFor は製品のFAQ集合に対してテキストを照合する。
func (s *Service) MatchFor(ctx context.Context, productID, text string) (model.FAQMatch, bool, error) {
	entries, err := s.repo.ListByProduct(ctx, productID)
	if err != nil {
		return model.FAQMatch{}, false, fmt.Errorf("FAQの取得に失敗しました: %w", err)
	}
	m, ok := Match(text, entries, s.threshold)
	return m, ok, nil
}
