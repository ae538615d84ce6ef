// Copyright 2025 MindLoop
// SPDX-License-Identifier: BUSL-1.1

// Package bedrock provides an LLM provider implementation for AWS Bedrock
// using AWS SDK v2. Requests are signed with AWS Signature V4 via IAM, so
// no API key is required.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"mindloop/core/orchestrator/llm"
)

const (
	// DefaultModel is used when the route doesn't name one
	DefaultModel = "anthropic.claude-3-haiku-20240307-v1:0"

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 4096
)

// InvokeAPI is the subset of the Bedrock runtime client the provider uses
// (enables testing).
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements llm.Provider for AWS Bedrock
type Provider struct {
	name   string
	client InvokeAPI
	region string
	model  string
}

// Config contains configuration for the Bedrock provider
type Config struct {
	Name   string    // Optional: instance name (default: "bedrock")
	Region string    // Required: AWS region
	Model  string    // Optional: default model id
	Client InvokeAPI // Optional: custom client (tests)
}

// NewProvider creates a new Bedrock provider instance. When no client is
// injected the default AWS credential chain is used.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("bedrock region is required")
	}
	if cfg.Name == "" {
		cfg.Name = "bedrock"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
	}

	return &Provider{
		name:   cfg.Name,
		client: client,
		region: cfg.Region,
		model:  cfg.Model,
	}, nil
}

// Name returns the provider instance name
func (p *Provider) Name() string { return p.name }

// Type returns the provider type
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeBedrock }

// Complete generates a completion for the given request
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	requestBody, err := p.buildRequestBody(req, model, maxTokens)
	if err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeInvalidRequest, err.Error())
	}

	requestJSON, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		code := llm.ErrCodeUnavailable
		msg := err.Error()
		if strings.Contains(msg, "ThrottlingException") {
			code = llm.ErrCodeRateLimit
		} else if strings.Contains(msg, "ValidationException") {
			code = llm.ErrCodeInvalidRequest
		}
		perr := llm.NewProviderError(p.name, code, "bedrock InvokeModel failed")
		perr.Cause = err
		return nil, perr
	}

	resp, err := p.parseResponseBody(output.Body, model)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	resp.Model = model
	resp.Latency = time.Since(start)
	return resp, nil
}

// HealthCheck verifies connectivity with a one-token completion
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()
	_, err := p.Complete(ctx, llm.CompletionRequest{Prompt: "ping", MaxTokens: 1})
	result := &llm.HealthCheckResult{Latency: time.Since(start)}
	if err != nil {
		result.Status = llm.HealthStatusUnhealthy
		result.Message = err.Error()
		return result, nil
	}
	result.Status = llm.HealthStatusHealthy
	return result, nil
}

// buildRequestBody builds the request body based on model family
func (p *Provider) buildRequestBody(req llm.CompletionRequest, model string, maxTokens int) (map[string]interface{}, error) {
	temperature := req.Temperature
	if temperature < 0 {
		temperature = 0.7
	}

	switch modelFamily(model) {
	case "anthropic":
		body := map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"temperature":       temperature,
			"messages": []map[string]string{
				{"role": "user", "content": req.Prompt},
			},
		}
		if req.SystemPrompt != "" {
			body["system"] = req.SystemPrompt
		}
		return body, nil
	case "amazon":
		return map[string]interface{}{
			"inputText": req.Prompt,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
				"temperature":   temperature,
				"topP":          0.9,
			},
		}, nil
	case "meta":
		return map[string]interface{}{
			"prompt":      req.Prompt,
			"max_gen_len": maxTokens,
			"temperature": temperature,
			"top_p":       0.9,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family for %q", model)
	}
}

// parseResponseBody parses the response body based on model family
func (p *Provider) parseResponseBody(body []byte, model string) (*llm.CompletionResponse, error) {
	switch modelFamily(model) {
	case "anthropic":
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		content := ""
		if len(resp.Content) > 0 {
			content = resp.Content[0].Text
		}
		return &llm.CompletionResponse{
			Content:      content,
			FinishReason: resp.StopReason,
			Usage: llm.UsageStats{
				InputTokens:  resp.Usage.InputTokens,
				OutputTokens: resp.Usage.OutputTokens,
				TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
			},
		}, nil
	case "amazon":
		var resp struct {
			Results []struct {
				OutputText       string `json:"outputText"`
				TokenCount       int    `json:"tokenCount"`
				CompletionReason string `json:"completionReason"`
			} `json:"results"`
			InputTextTokenCount int `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		content := ""
		outputTokens := 0
		finishReason := ""
		if len(resp.Results) > 0 {
			content = resp.Results[0].OutputText
			outputTokens = resp.Results[0].TokenCount
			finishReason = resp.Results[0].CompletionReason
		}
		return &llm.CompletionResponse{
			Content:      content,
			FinishReason: finishReason,
			Usage: llm.UsageStats{
				InputTokens:  resp.InputTextTokenCount,
				OutputTokens: outputTokens,
				TotalTokens:  resp.InputTextTokenCount + outputTokens,
			},
		}, nil
	case "meta":
		var resp struct {
			Generation       string `json:"generation"`
			PromptTokenCount int    `json:"prompt_token_count"`
			GenTokenCount    int    `json:"generation_token_count"`
			StopReason       string `json:"stop_reason"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return &llm.CompletionResponse{
			Content:      resp.Generation,
			FinishReason: resp.StopReason,
			Usage: llm.UsageStats{
				InputTokens:  resp.PromptTokenCount,
				OutputTokens: resp.GenTokenCount,
				TotalTokens:  resp.PromptTokenCount + resp.GenTokenCount,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family for %q", model)
	}
}

// modelFamily extracts the vendor prefix from a Bedrock model id
// (e.g. "anthropic.claude-3-haiku-..." -> "anthropic").
func modelFamily(model string) string {
	if i := strings.Index(model, "."); i > 0 {
		return model[:i]
	}
	return ""
}
