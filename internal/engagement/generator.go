package engagement

import (
	"context"
	"fmt"
	"strings"

	"github.com/hitoshi/mediaagent/internal/model"
)

// ResponseGenerator はFAQに一致しなかったイベントへの返信案を生成する。
// 生成された返信は人による承認を経てから配信される。
type ResponseGenerator interface {
	Generate(ctx context.Context, productID string, ev model.InboundEvent) (string, error)
}

// DefaultTemplate はTemplateGeneratorの既定テンプレート。%sは投稿者のハンドル。
const DefaultTemplate = "Thanks for reaching out%s! Our team will get back to you shortly."

// TemplateGenerator は固定テンプレートから返信案を作る。
type TemplateGenerator struct {
	Template string
}

// Generate は返信案を返す。
func (g TemplateGenerator) Generate(_ context.Context, _ string, ev model.InboundEvent) (string, error) {
	tmpl := g.Template
	if tmpl == "" {
		tmpl = DefaultTemplate
	}
	var who string
	if handle := strings.TrimSpace(ev.AuthorHandle); handle != "" {
		who = ", " + handle
	}
	if !strings.Contains(tmpl, "%s") {
		return tmpl, nil
	}
	return fmt.Sprintf(tmpl, who), nil
}

var _ ResponseGenerator = TemplateGenerator{}
