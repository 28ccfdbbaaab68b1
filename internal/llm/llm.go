package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	xerrors "agnt-platform/internal/errors"
	"agnt-platform/pkg/logger"
)

const (
	// CodeModelTimeout 表示模型调用超出时间预算。
	CodeModelTimeout xerrors.Code = "MODEL_TIMEOUT"
	// CodeModelBackendFailure 表示模型后端返回错误或不可解析的响应。
	CodeModelBackendFailure xerrors.Code = "MODEL_BACKEND_FAILURE"
	// CodeModelNotConfigured 表示没有配置任何模型凭据。
	CodeModelNotConfigured xerrors.Code = "MODEL_NOT_CONFIGURED"
)

// 默认预算。
const (
	DefaultTimeout   = 25 * time.Second
	DefaultMaxTokens = 600
)

func init() {
	xerrors.Register(CodeModelTimeout, xerrors.Attributes{
		Message: "model call timed out", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true,
	})
	xerrors.Register(CodeModelBackendFailure, xerrors.Attributes{
		Message: "model backend failure", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true,
	})
	xerrors.Register(CodeModelNotConfigured, xerrors.Attributes{
		Message: "AI not configured", Severity: xerrors.SeverityWarning, Alert: true,
	})
}

// Request 是一次无状态的模型调用：一个系统指令块加一条用户消息。
type Request struct {
	System    string
	Message   string
	MaxTokens int
}

// Response 是模型返回的文本。
type Response struct {
	Text string
	// InputTokens/OutputTokens 为服务商上报的用量，未上报时为 0。
	InputTokens  int
	OutputTokens int
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Invoker 为模型调用加上时间预算并把失败统一为带错误码的错误。
type Invoker struct {
	client    Client
	timeout   time.Duration
	maxTokens int
	logger    *slog.Logger
}

// InvokerOption 配置 Invoker。
type InvokerOption func(*Invoker)

// WithTimeout 设置单次调用的硬超时。
func WithTimeout(timeout time.Duration) InvokerOption {
	return func(i *Invoker) {
		if timeout > 0 {
			i.timeout = timeout
		}
	}
}

// WithMaxTokens 设置默认输出预算。
func WithMaxTokens(maxTokens int) InvokerOption {
	return func(i *Invoker) {
		if maxTokens > 0 {
			i.maxTokens = maxTokens
		}
	}
}

// NewInvoker 创建 Invoker。client 为 nil 表示未配置凭据，Invoke 会直接返回 MODEL_NOT_CONFIGURED。
func NewInvoker(client Client, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		client:    client,
		timeout:   DefaultTimeout,
		maxTokens: DefaultMaxTokens,
		logger:    logger.Named("llm"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(inv)
		}
	}
	return inv
}

// Configured 报告是否配置了模型后端。
func (i *Invoker) Configured() bool {
	return i != nil && i.client != nil
}

// Invoke 把系统提示词与上下文合并为一个指令块，用户消息作为唯一一轮对话发送。
// 超时或后端错误时返回带错误码的错误，不会返回部分文本。
func (i *Invoker) Invoke(ctx context.Context, systemPrompt, groundingContext, message string, maxTokens int) (string, error) {
	if !i.Configured() {
		return "", xerrors.New(CodeModelNotConfigured, "AI not configured")
	}
	if maxTokens <= 0 {
		maxTokens = i.maxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	resp, err := i.client.Generate(callCtx, Request{
		System:    systemPrompt + "\n\n" + groundingContext,
		Message:   message,
		MaxTokens: maxTokens,
	})
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			i.logger.Warn("模型调用超时", "timeout", i.timeout, "elapsed", elapsed)
			return "", xerrors.Wrap(CodeModelTimeout, err, "model call timed out")
		}
		if IsModelError(err) {
			return "", err
		}
		i.logger.Warn("模型调用失败", "error", err, "elapsed", elapsed)
		return "", xerrors.Wrap(CodeModelBackendFailure, err, "model backend failure")
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return "", xerrors.New(CodeModelBackendFailure, "model returned empty response")
	}
	i.logger.Debug("模型调用完成", "elapsed", elapsed, "input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens)
	return resp.Text, nil
}

// IsModelError 判断错误是否来自模型调用。
func IsModelError(err error) bool {
	switch xerrors.CodeOf(err) {
	case CodeModelTimeout, CodeModelBackendFailure, CodeModelNotConfigured:
		return true
	default:
		return false
	}
}
