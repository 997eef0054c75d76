package provider

type openAIImageRequest struct {
	Model          string `json:"model,omitempty"`
	Prompt         string `json:"prompt"`
	N              *int   `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type geminiImageRequest struct {
	Prompt string `json:"prompt"`
}

// ParseImageRequest reads an image-generation body into the pivot. Only
// OpenAI bodies carry the optional image parameters; Gemini bodies give a
// prompt and nothing else.
func ParseImageRequest(d Dialect, body []byte, model string) *ImageRequest {
	root, ok := parseObject(body)
	if !ok {
		return nil
	}

	if d == DialectOpenAI {
		prompt := root.Get("prompt")
		if !prompt.Exists() {
			return nil
		}
		return &ImageRequest{
			Model:          model,
			Prompt:         textOf(prompt),
			N:              intOf(root.Get("n")),
			Size:           stringOf(root.Get("size")),
			Quality:        stringOf(root.Get("quality")),
			Style:          stringOf(root.Get("style")),
			ResponseFormat: stringOf(root.Get("response_format")),
		}
	}

	prompt := firstPresent(root, "prompt", "text", "input")
	if !prompt.Exists() {
		return nil
	}
	return &ImageRequest{Model: model, Prompt: textOf(prompt)}
}

// BuildUpstreamImageRequest renders the pivot for the target dialect.
// Anthropic has no image-generation API, so it always yields nil.
func BuildUpstreamImageRequest(d Dialect, req *ImageRequest, model string, overrides EndpointOverrides) *UpstreamRequest {
	if req == nil {
		return nil
	}
	path, absolute, ok := resolveOverride(overrides.Image, model)

	switch d {
	case DialectOpenAI:
		if !ok {
			path = "/v1/images/generations"
		}
		body := openAIImageRequest{
			Model:          model,
			Prompt:         req.Prompt,
			N:              req.N,
			Size:           req.Size,
			Quality:        req.Quality,
			Style:          req.Style,
			ResponseFormat: req.ResponseFormat,
		}
		return &UpstreamRequest{Path: path, AbsoluteURL: absolute, Body: marshalBody(body)}

	case DialectGemini:
		if !ok {
			if model == "" {
				return nil
			}
			path = geminiModelPath(model, "generateImage")
		}
		return &UpstreamRequest{Path: path, AbsoluteURL: absolute, Body: marshalBody(geminiImageRequest{Prompt: req.Prompt})}
	}
	return nil
}
