package judge

import "fmt"

// NewCompleter builds the Completer for provider. The "none" provider (or
// an empty name) yields nil, meaning recall runs without a judge.
func NewCompleter(provider, apiKey, model string) (Completer, error) {
	switch provider {
	case "", "none":
		return nil, nil
	case "anthropic":
		return NewAnthropicCompleter(apiKey, model), nil
	case "openai":
		return NewOpenAICompleter(apiKey, model), nil
	default:
		return nil, fmt.Errorf("unknown judge provider: %s", provider)
	}
}
