// Package engine 顺序执行引擎
//
// provider.go 定义 LLM Provider 抽象与两个实现：
//   - MockProvider：确定性模拟，默认执行路径（--use-llm 未指定时）
//   - OpenAIProvider：真实 API 调用，凭证从环境变量读取
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Big-footer/nexous/internal/shared/model"
	"github.com/Big-footer/nexous/internal/shared/storage"
)

// ============================================================================
// Provider 抽象
// ============================================================================

// InvokeRequest 单次 LLM 调用请求
type InvokeRequest struct {
	Model       string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// InvokeResult 单次 LLM 调用结果
type InvokeResult struct {
	Text      string
	Tokens    model.TokenUsage
	LatencyMS int64
}

// Provider LLM 提供方抽象
type Provider interface {
	// Name 提供方标识（写入 Trace 的 provider 字段）
	Name() string

	// Invoke 执行一次调用
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}

// ============================================================================
// MockProvider - 确定性模拟
// ============================================================================

// MockProvider 不访问网络的确定性 Provider
//
// 同样的输入永远产出同样的输出与 token 计数，
// 保证默认模式下的 Run 可以拿来做稳定的 diff 基线。
type MockProvider struct{}

// NewMockProvider 创建 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Name() string { return "mock" }

// Invoke 由 prompt 内容确定性地派生输出
func (p *MockProvider) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Model))
	_, _ = h.Write([]byte(req.Prompt))
	sum := h.Sum32()

	text := fmt.Sprintf("[mock:%s] simulated response %08x for prompt of %d chars",
		req.Model, sum, len(req.Prompt))

	inTokens := estimateTokens(req.Prompt)
	outTokens := estimateTokens(text)
	return &InvokeResult{
		Text: text,
		Tokens: model.TokenUsage{
			Input:  inTokens,
			Output: outTokens,
			Total:  inTokens + outTokens,
		},
		// 模拟调用不计耗时，保持输出逐字节可复现
		LatencyMS: 0,
	}, nil
}

// estimateTokens 粗略 token 估算（约 4 字符一个 token）
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}

// ============================================================================
// OpenAIProvider - 真实调用
// ============================================================================

// EnvOpenAIKey OpenAI API Key 的环境变量名
const EnvOpenAIKey = "OPENAI_API_KEY"

const defaultOpenAIBase = "https://api.openai.com/v1"

// OpenAIProvider 通过 chat completions API 调用 OpenAI
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAIProvider 从环境变量读取凭证创建 Provider
//
// Key 缺失返回 ErrMissingCredentials，调用方应在写任何 Trace 之前
// 检查，以免产生空壳 Run。
func NewOpenAIProvider() (*OpenAIProvider, error) {
	key := os.Getenv(EnvOpenAIKey)
	if key == "" {
		return nil, fmt.Errorf("%s not set: %w", EnvOpenAIKey, storage.ErrMissingCredentials)
	}
	base := os.Getenv("OPENAI_BASE_URL")
	if base == "" {
		base = defaultOpenAIBase
	}
	return &OpenAIProvider{
		apiKey:  key,
		baseURL: base,
		client:  &http.Client{Timeout: 120 * time.Second},
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Invoke 执行一次 chat completion 调用
func (p *OpenAIProvider) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	begin := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("openai error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK || len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai returned status %d with no choices", resp.StatusCode)
	}

	return &InvokeResult{
		Text: parsed.Choices[0].Message.Content,
		Tokens: model.TokenUsage{
			Input:  parsed.Usage.PromptTokens,
			Output: parsed.Usage.CompletionTokens,
			Total:  parsed.Usage.TotalTokens,
		},
		LatencyMS: time.Since(begin).Milliseconds(),
	}, nil
}

var (
	_ Provider = (*MockProvider)(nil)
	_ Provider = (*OpenAIProvider)(nil)
)
