// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStubProvider points an OpenAI client at a local server that records the
// received input and answers with a fixed vector.
func newStubProvider(t *testing.T, config Config, received *string) *OpenAIProvider {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 1)
		*received = req.Input[0]

		resp := map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0, "object": "embedding"},
			},
			"model":  "text-embedding-3-small",
			"object": "list",
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(server.Close)

	clientConfig := openai.DefaultConfig("test-key")
	clientConfig.BaseURL = server.URL
	return NewOpenAIProvider(openai.NewClientWithConfig(clientConfig), config)
}

func TestEmbedReturnsVector(t *testing.T) {
	var received string
	p := newStubProvider(t, DefaultConfig(), &received)

	vec, err := p.Embed(context.Background(), "insomnia with palpitations")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "insomnia with palpitations", received)
}

func TestEmbedTruncatesLongInput(t *testing.T) {
	var received string
	p := newStubProvider(t, Config{MaxInputLength: 10}, &received)

	_, err := p.Embed(context.Background(), strings.Repeat("a", 50))
	require.NoError(t, err)
	assert.Len(t, received, 10)
}

func TestNewOpenAIProviderCorrectsConfig(t *testing.T) {
	p := NewOpenAIProvider(nil, Config{MaxInputLength: -1})
	assert.Equal(t, DefaultConfig().MaxInputLength, p.config.MaxInputLength)
	assert.Equal(t, DefaultConfig().Model, p.config.Model)
}

func TestStaticProvider(t *testing.T) {
	p := &StaticProvider{Vector: []float32{1, 2}}
	vec, err := p.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vec)

	boom := errors.New("boom")
	failing := &StaticProvider{Err: boom}
	_, err = failing.Embed(context.Background(), "anything")
	assert.ErrorIs(t, err, boom)
}
