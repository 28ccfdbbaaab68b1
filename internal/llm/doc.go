// Package llm abstracts language-model providers behind a single Client
// interface and wraps every call in a hard time budget. Provider
// implementations live in the anthropic and openai subpackages.
package llm
