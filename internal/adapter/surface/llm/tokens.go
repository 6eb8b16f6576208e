package llm

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// encodingCache holds tiktoken encodings per normalized model name; building
// one is expensive.
var (
	encodingMu    sync.Mutex
	encodingCache = map[string]*tiktoken.Tiktoken{}
)

// estimateTokens approximates input/output token counts locally when a
// provider response carries no usage fields. Falls back to a bytes/4
// heuristic if no encoding is available.
func estimateTokens(model, prompt, completion string) (in, out int) {
	enc := encodingFor(model)
	if enc == nil {
		return len(prompt) / 4, len(completion) / 4
	}
	return len(enc.Encode(prompt, nil, nil)), len(enc.Encode(completion, nil, nil))
}

func encodingFor(model string) *tiktoken.Tiktoken {
	name := normalizeModelName(model)
	encodingMu.Lock()
	defer encodingMu.Unlock()
	if enc, ok := encodingCache[name]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		// cl100k_base covers GPT-4/3.5 and approximates most modern models.
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model), slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}
	encodingCache[name] = enc
	return enc
}

// normalizeModelName maps provider model ids onto tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}
	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return model
	}
}
