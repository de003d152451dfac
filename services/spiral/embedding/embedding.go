// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding provides query vector computation for hybrid retrieval.
//
// The spiral core never embeds implicitly: the orchestrator decides whether a
// round's RetrievalRequest carries a vector, and this package is the helper
// it uses to compute one. The embedding model itself is an external
// collaborator — any OpenAI-compatible endpoint works, including local
// servers that speak the same API.
package embedding

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// Provider computes a dense vector for a piece of text.
type Provider interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config configures the OpenAI-compatible provider.
type Config struct {
	// Model is the embedding model name. Default: text-embedding-3-small.
	Model string

	// MaxInputLength truncates longer inputs before embedding.
	// Default: 8000 bytes.
	MaxInputLength int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Model:          string(openai.SmallEmbedding3),
		MaxInputLength: 8000,
	}
}

// OpenAIProvider implements Provider over any OpenAI-compatible endpoint.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying client is stateless per call.
type OpenAIProvider struct {
	client *openai.Client
	config Config
}

// NewOpenAIProvider creates a provider over an existing client.
//
// Build the client with openai.NewClient(apiKey) for the hosted API, or
// openai.NewClientWithConfig for a local OpenAI-compatible server.
func NewOpenAIProvider(client *openai.Client, config Config) *OpenAIProvider {
	if config.Model == "" {
		config.Model = DefaultConfig().Model
	}
	if config.MaxInputLength < 1 {
		slog.Warn("Invalid MaxInputLength config, using default",
			"provided", config.MaxInputLength, "default", DefaultConfig().MaxInputLength)
		config.MaxInputLength = DefaultConfig().MaxInputLength
	}
	return &OpenAIProvider{client: client, config: config}
}

// Embed implements Provider.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(text) > p.config.MaxInputLength {
		slog.Debug("Truncating text for embedding",
			"original_len", len(text), "truncated_len", p.config.MaxInputLength)
		text = text[:p.config.MaxInputLength]
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.config.Model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}
	return resp.Data[0].Embedding, nil
}

// StaticProvider returns the same vector for every input. Test helper.
type StaticProvider struct {
	Vector []float32
	Err    error
}

// Embed implements Provider.
func (p *StaticProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Vector, nil
}

var (
	_ Provider = (*OpenAIProvider)(nil)
	_ Provider = (*StaticProvider)(nil)
)
