package provider

import "github.com/tidwall/gjson"

type openAIEmbeddingRequest struct {
	Model string `json:"model,omitempty"`
	Input any    `json:"input"` // a string for one input, a []string otherwise
}

type geminiEmbedRequest struct {
	Model   string        `json:"model,omitempty"` // "models/{id}", required inside a batch
	Content geminiContent `json:"content"`
}

type geminiBatchEmbedRequest struct {
	Requests []geminiEmbedRequest `json:"requests"`
}

// ParseEmbeddingRequest reads an embeddings body into the pivot. It returns
// nil when the body is not an object or carries no input.
func ParseEmbeddingRequest(d Dialect, body []byte, model string) *EmbeddingRequest {
	root, ok := parseObject(body)
	if !ok {
		return nil
	}

	if d == DialectGemini {
		if requests := root.Get("requests"); requests.IsArray() {
			var inputs []string
			requests.ForEach(func(_, req gjson.Result) bool {
				if text := textOf(req.Get("content")); text != "" {
					inputs = append(inputs, text)
				}
				return true
			})
			return &EmbeddingRequest{Model: model, Inputs: inputs}
		}
		content := firstPresent(root, "content", "input")
		if !content.Exists() {
			return nil
		}
		return &EmbeddingRequest{Model: model, Inputs: []string{textOf(content)}}
	}

	input := firstPresent(root, "input", "inputs")
	if !input.Exists() {
		return nil
	}
	if input.IsArray() {
		var inputs []string
		input.ForEach(func(_, item gjson.Result) bool {
			inputs = append(inputs, textOf(item))
			return true
		})
		return &EmbeddingRequest{Model: model, Inputs: inputs}
	}
	return &EmbeddingRequest{Model: model, Inputs: []string{textOf(input)}}
}

// BuildUpstreamEmbeddingRequest renders the pivot for the target dialect.
// Anthropic has no embeddings API, so it always yields nil. Gemini uses the
// batch endpoint only when there is more than one input.
func BuildUpstreamEmbeddingRequest(d Dialect, req *EmbeddingRequest, model string, overrides EndpointOverrides) *UpstreamRequest {
	if req == nil {
		return nil
	}
	path, absolute, ok := resolveOverride(overrides.Embedding, model)

	switch d {
	case DialectOpenAI:
		if !ok {
			path = "/v1/embeddings"
		}
		var input any = req.Inputs
		if len(req.Inputs) == 1 {
			input = req.Inputs[0]
		}
		return &UpstreamRequest{
			Path:        path,
			AbsoluteURL: absolute,
			Body:        marshalBody(openAIEmbeddingRequest{Model: model, Input: input}),
		}

	case DialectGemini:
		if !ok && model == "" {
			return nil
		}
		if len(req.Inputs) > 1 {
			if !ok {
				path = geminiModelPath(model, "batchEmbedContents")
			}
			batch := geminiBatchEmbedRequest{Requests: make([]geminiEmbedRequest, 0, len(req.Inputs))}
			for _, input := range req.Inputs {
				batch.Requests = append(batch.Requests, geminiEmbedRequest{
					Model:   "models/" + model,
					Content: geminiContent{Parts: []geminiPart{{Text: input}}},
				})
			}
			return &UpstreamRequest{Path: path, AbsoluteURL: absolute, Body: marshalBody(batch)}
		}
		if !ok {
			path = geminiModelPath(model, "embedContent")
		}
		var text string
		if len(req.Inputs) == 1 {
			text = req.Inputs[0]
		}
		single := geminiEmbedRequest{Content: geminiContent{Parts: []geminiPart{{Text: text}}}}
		return &UpstreamRequest{Path: path, AbsoluteURL: absolute, Body: marshalBody(single)}
	}
	return nil
}
