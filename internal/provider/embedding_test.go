package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestParseEmbeddingRequest(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		body    string
		want    []string
	}{
		{"openai single", DialectOpenAI, `{"input":"hello"}`, []string{"hello"}},
		{"openai list", DialectOpenAI, `{"input":["a","b"]}`, []string{"a", "b"}},
		{"openai inputs alias", DialectOpenAI, `{"inputs":["x"]}`, []string{"x"}},
		{"gemini single", DialectGemini, `{"content":{"parts":[{"text":"hi"}]}}`, []string{"hi"}},
		{"gemini batch drops empties", DialectGemini,
			`{"requests":[{"content":{"parts":[{"text":"a"}]}},{"content":{}},{"content":{"parts":[{"text":"b"}]}}]}`,
			[]string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ParseEmbeddingRequest(tt.dialect, []byte(tt.body), "m")
			require.NotNil(t, req)
			assert.Equal(t, tt.want, req.Inputs)
			assert.Equal(t, "m", req.Model)
		})
	}

	assert.Nil(t, ParseEmbeddingRequest(DialectOpenAI, []byte(`{"model":"m"}`), "m"))
	assert.Nil(t, ParseEmbeddingRequest(DialectGemini, []byte(`"text"`), "m"))
}

func TestBuildUpstreamEmbeddingRequest(t *testing.T) {
	t.Run("gemini single input uses embedContent", func(t *testing.T) {
		up := BuildUpstreamEmbeddingRequest(DialectGemini, &EmbeddingRequest{Inputs: []string{"one"}}, "text-embedding-004", EndpointOverrides{})
		require.NotNil(t, up)
		assert.Equal(t, "/v1beta/models/text-embedding-004:embedContent", up.Path)
		assert.Equal(t, "one", gjson.GetBytes(up.Body, "content.parts.0.text").String())
	})

	t.Run("gemini batches more than one input", func(t *testing.T) {
		up := BuildUpstreamEmbeddingRequest(DialectGemini, &EmbeddingRequest{Inputs: []string{"a", "b"}}, "text-embedding-004", EndpointOverrides{})
		require.NotNil(t, up)
		assert.Equal(t, "/v1beta/models/text-embedding-004:batchEmbedContents", up.Path)
		body := gjson.ParseBytes(up.Body)
		assert.Equal(t, int64(2), body.Get("requests.#").Int())
		assert.Equal(t, "models/text-embedding-004", body.Get("requests.0.model").String())
		assert.Equal(t, "b", body.Get("requests.1.content.parts.0.text").String())
	})

	t.Run("openai collapses a single input", func(t *testing.T) {
		up := BuildUpstreamEmbeddingRequest(DialectOpenAI, &EmbeddingRequest{Inputs: []string{"solo"}}, "emb", EndpointOverrides{})
		require.NotNil(t, up)
		assert.Equal(t, "/v1/embeddings", up.Path)
		assert.Equal(t, gjson.String, gjson.GetBytes(up.Body, "input").Type)

		up = BuildUpstreamEmbeddingRequest(DialectOpenAI, &EmbeddingRequest{Inputs: []string{"a", "b"}}, "emb", EndpointOverrides{})
		require.NotNil(t, up)
		assert.True(t, gjson.GetBytes(up.Body, "input").IsArray())
	})

	t.Run("anthropic has no embeddings", func(t *testing.T) {
		assert.Nil(t, BuildUpstreamEmbeddingRequest(DialectAnthropic, &EmbeddingRequest{Inputs: []string{"a"}}, "m", EndpointOverrides{}))
	})

	t.Run("override", func(t *testing.T) {
		up := BuildUpstreamEmbeddingRequest(DialectOpenAI, &EmbeddingRequest{Inputs: []string{"a"}}, "emb",
			EndpointOverrides{Embedding: "/v2/{model}/embed"})
		require.NotNil(t, up)
		assert.Equal(t, "/v2/emb/embed", up.Path)
	})
}

func TestImageRequests(t *testing.T) {
	req := ParseImageRequest(DialectOpenAI, []byte(`{"prompt":"a cat","n":2,"size":"1024x1024","style":"vivid"}`), "dall-e-3")
	require.NotNil(t, req)
	require.NotNil(t, req.N)
	assert.Equal(t, 2, *req.N)
	assert.Equal(t, "1024x1024", req.Size)
	assert.Empty(t, req.Quality)

	up := BuildUpstreamImageRequest(DialectOpenAI, req, "dall-e-3", EndpointOverrides{})
	require.NotNil(t, up)
	assert.Equal(t, "/v1/images/generations", up.Path)
	body := gjson.ParseBytes(up.Body)
	assert.Equal(t, int64(2), body.Get("n").Int())
	assert.Equal(t, "vivid", body.Get("style").String())
	assert.False(t, body.Get("quality").Exists())

	up = BuildUpstreamImageRequest(DialectGemini, req, "imagen-3", EndpointOverrides{})
	require.NotNil(t, up)
	assert.Equal(t, "/v1beta/models/imagen-3:generateImage", up.Path)
	assert.Equal(t, `{"prompt":"a cat"}`, string(up.Body))

	assert.Nil(t, BuildUpstreamImageRequest(DialectAnthropic, req, "x", EndpointOverrides{}))

	gem := ParseImageRequest(DialectGemini, []byte(`{"text":"a dog"}`), "imagen-3")
	require.NotNil(t, gem)
	assert.Equal(t, "a dog", gem.Prompt)
	assert.Nil(t, gem.N)

	assert.Nil(t, ParseImageRequest(DialectOpenAI, []byte(`{"n":1}`), "m"))
}
