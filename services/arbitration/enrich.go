package arbitration

import (
	"strings"

	"github.com/upb/llm-arbiter/models"
	"github.com/upb/llm-arbiter/services"
	"github.com/upb/llm-arbiter/utils"
)

// charsPerToken approximates tokenizer output for English text
const charsPerToken = 4

// taskKeywords are checked in order; the first keyword found in the request text wins
var taskKeywords = []struct {
	keyword string
	task    models.TaskType
}{
	{"summarize", models.TaskSummarize},
	{"translate", models.TaskTranslate},
	{"code", models.TaskCode},
	{"analyze", models.TaskAnalyze},
}

// ValidateRequest checks the fields every execution needs
func ValidateRequest(req *models.CompletionRequest) error {
	if req == nil {
		return services.NewValidationError("request is required")
	}
	if strings.TrimSpace(req.ID) == "" {
		return services.NewValidationError("request id is required")
	}
	if len(req.Messages) == 0 {
		return services.NewValidationError("at least one message is required")
	}
	if req.MaxOutputTokens <= 0 {
		return services.NewValidationError("max_output_tokens must be positive")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return services.NewDomainError(services.ErrorTypeValidation, "invalid request", err).
			WithDetail("fields", utils.GetValidationFields(err))
	}
	return nil
}

// EstimateTokens approximates the token count of text
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// InferTaskType classifies text by keyword, defaulting to chat
func InferTaskType(text string) models.TaskType {
	lower := strings.ToLower(text)
	for _, k := range taskKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.task
		}
	}
	return models.TaskChat
}

// Enrich returns a copy of actx completed with figures derived from req.
// Values the caller already set are kept.
func Enrich(actx models.ArbitrationContext, req *models.CompletionRequest) models.ArbitrationContext {
	out := actx.Clone()
	text := req.Text()

	if out.ExpectedInputTokens == 0 {
		out.ExpectedInputTokens = EstimateTokens(text)
	}
	if out.ExpectedOutputTokens == 0 {
		out.ExpectedOutputTokens = req.MaxOutputTokens
	}
	if out.TaskType == "" {
		out.TaskType = InferTaskType(text)
	}
	return out
}
