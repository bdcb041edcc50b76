// Package instruction builds the system instruction sent with every
// generation request.
package instruction

import (
	"strings"

	"nhutbot/internal/models"
)

const (
	basePersonaEN = "You are NhutAIbot Ultimate. Use Markdown. You can generate images using the tool. You can solve math and run code."
	basePersonaVI = "Bạn là NhutAIbot Ultimate. Sử dụng Markdown. Bạn có thể tạo ảnh nghệ thuật, giải toán và chạy mã code chuyên nghiệp."

	diagramSupport = "\n\nDIAGRAM SUPPORT: Nếu người dùng yêu cầu vẽ sơ đồ, mindmap hoặc flowchart, hãy sử dụng Mermaid.js code blocks với cú pháp: ```mermaid ... ```"

	qualityControlEN = "\n\nQUALITY CONTROL: Verify facts. Always end with 3 follow-up suggestions as:\n\n**Suggested next steps:**\n- [Suggestion 1]\n- [Suggestion 2]\n- [Suggestion 3]"
	qualityControlVI = "\n\nQUY TRÌNH KIỂM SOÁT: Tự rà soát sự thật. Cuối câu trả lời LUÔN gợi ý 3 bước tiếp theo dưới dạng:\n\n**Gợi ý tiếp theo:**\n- [Gợi ý 1]\n- [Gợi ý 2]\n- [Gợi ý 3]"

	factsHeader = "THÔNG TIN BẠN ĐÃ GHI NHỚ VỀ NGƯỜI DÙNG:"
)

var modeBlocks = map[models.Mode]string{
	models.ModeLearning: `Mode: learning

Focus:
- Teach step by step, starting from what the user already knows.
- Explain the reasoning behind every step instead of only giving the result.
- Finish with a short question that checks understanding.`,
	models.ModeCoder: `Mode: coder

Focus:
- Answer with complete, runnable code in fenced blocks tagged with the language.
- Point out edge cases, complexity and possible bugs.
- Keep prose short; prefer code and concrete commands.`,
	models.ModeAssistant: `Mode: assistant

Focus:
- Act as a practical personal assistant: plans, checklists, drafts and reminders.
- Ask for missing details only when the task cannot be done without them.
- Present options as short lists the user can pick from.`,
}

// Input is everything the composer depends on.
type Input struct {
	Language models.Language
	Mode     models.Mode
	Facts    []string
	Custom   string
}

// Compose returns the system instruction for in. The result only depends on
// in, so repeated calls with equal input are byte-identical.
func Compose(in Input) string {
	var b strings.Builder

	if in.Language == models.LanguageVI {
		b.WriteString(basePersonaVI)
	} else {
		b.WriteString(basePersonaEN)
	}
	b.WriteString(diagramSupport)
	if in.Language == models.LanguageVI {
		b.WriteString(qualityControlVI)
	} else {
		b.WriteString(qualityControlEN)
	}

	if block, ok := modeBlocks[in.Mode]; ok {
		b.WriteString("\n\n")
		b.WriteString(block)
	}

	if in.Custom != "" {
		b.WriteString(in.Custom)
	}

	if len(in.Facts) > 0 {
		b.WriteString("\n\n")
		b.WriteString(factsHeader)
		for _, fact := range in.Facts {
			b.WriteString("\n- ")
			b.WriteString(fact)
		}
	}
	return b.String()
}
