// Package imagegen renders Muse images through the Gemini image model.
// It speaks the REST API directly because image output needs response
// modalities the text SDK does not expose.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultModel = "gemini-2.5-flash-image"
const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// ImageCostUSD is the approximate flat cost of one rendered image.
const ImageCostUSD = 0.04

const characterPrompt = `Create a mystical fantasy illustration: %s

CHARACTER - MUSE (follow exactly):
- Silver-skinned figure with tall graceful pointed ears
- Ink-dark flowing hair with copper ornaments woven through
- Luminous amber eyes
- Copper jewelry and decorative accents on body
- Compact body, ancient yet childlike quality

STYLE:
- Rich colors: deep indigos, violets, embers, coppers
- Painterly, atmospheric, slightly surreal
- Warm contemplative lighting
- Fantasy art style, highly detailed`

// Client renders images and writes them under the data directory.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	dataDir    string
	references []string
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithModel overrides the image model.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// NewClient creates an image client. referencesDir may be empty; when
// set, up to four reference images are loaded and sent with every
// request to pin the character's appearance.
func NewClient(apiKey, dataDir, referencesDir string, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		dataDir: dataDir,
		logger:  logger.With().Str("module", "imagegen").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if referencesDir != "" {
		c.references = loadReferences(referencesDir, c.logger)
	}
	return c
}

// Model returns the image model name for cost records.
func (c *Client) Model() string {
	return c.model
}

// loadReferences reads reference images from disk as base64 strings.
// Missing files are logged and skipped.
func loadReferences(dir string, logger zerolog.Logger) []string {
	files := []string{"muse-1.png", "muse-2.png", "muse-3.png"}
	var refs []string
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			logger.Warn().Str("file", f).Msg("reference image not found")
			continue
		}
		refs = append(refs, base64.StdEncoding.EncodeToString(data))
		logger.Info().Str("file", f).Int("kb", len(data)/1024).Msg("loaded reference image")
	}
	return refs
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Image is a rendered image still in memory.
type Image struct {
	Data     []byte
	MimeType string
}

// Generate renders one image for a scene prompt, with the character
// sheet and reference images prepended.
func (c *Client) Generate(ctx context.Context, scenePrompt string) (*Image, error) {
	var parts []part
	for _, ref := range c.references {
		if len(parts) >= 4 {
			break
		}
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: "image/png",
			Data:     ref,
		}})
	}
	if len(parts) > 0 {
		parts = append(parts, part{
			Text: "Reference images above show Muse. Create a NEW image matching this character exactly:",
		})
	}
	parts = append(parts, part{Text: fmt.Sprintf(characterPrompt, scenePrompt)})

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: parts}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode image request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("image API error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode image response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in image response")
	}

	for _, p := range parsed.Candidates[0].Content.Parts {
		if p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, "image/") {
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode image data: %w", err)
			}
			return &Image{Data: data, MimeType: p.InlineData.MimeType}, nil
		}
	}
	return nil, fmt.Errorf("no image in response")
}

// Save writes an image to <dataDir>/images/<id>.png and returns the
// filename relative to the images directory.
func (c *Client) Save(img *Image, id string) (string, error) {
	dir := filepath.Join(c.dataDir, "images")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create images directory: %w", err)
	}
	filename := id + ".png"
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	c.logger.Info().Str("path", path).Int("kb", len(img.Data)/1024).Msg("saved image")
	return filename, nil
}
