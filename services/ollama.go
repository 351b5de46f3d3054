package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"

	"github.com/pablobfonseca/go-media-vector/models"
)

type OllamaEndpoint string

const (
	EmbedEndpoint OllamaEndpoint = "embed"
)

// EmbedRequest is the body sent to the embedding server. Text and images
// are mutually exclusive per call.
type EmbedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input,omitempty"`
	Images    []string `json:"images,omitempty"`
	Precision string   `json:"precision,omitempty"`
	Device    string   `json:"device,omitempty"`
}

type EmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// EmbeddingClient talks to an Ollama-compatible /api/embed endpoint serving
// a CLIP-style model that embeds both text and images.
type EmbeddingClient struct {
	baseURL string
	model   string
	device  string
	dim     int
	http    *http.Client
}

// NewEmbeddingClient builds a client for host ("localhost:11434" or a full
// URL). A positive dim skips the probe request on Load.
func NewEmbeddingClient(host, model, device string, dim int) *EmbeddingClient {
	if host == "" {
		host = "localhost:11434"
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return &EmbeddingClient{
		baseURL: strings.TrimSuffix(host, "/"),
		model:   model,
		device:  device,
		dim:     dim,
		http:    &http.Client{},
	}
}

// Load reports the model dimension, probing the server when it was not
// configured.
func (c *EmbeddingClient) Load(ctx context.Context) (int, error) {
	if c.dim > 0 {
		return c.dim, nil
	}
	vecs, err := c.request(ctx, EmbedRequest{Input: []string{"a photo"}, Precision: string(models.QuantFloat32)})
	if err != nil {
		return 0, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return 0, errors.New("probe returned no embedding")
	}
	c.dim = len(vecs[0])
	return c.dim, nil
}

func (c *EmbeddingClient) EmbedText(ctx context.Context, text string, q models.Quantization) ([]float32, error) {
	vecs, err := c.request(ctx, EmbedRequest{Input: []string{text}, Precision: string(q)})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

func (c *EmbeddingClient) EmbedImages(ctx context.Context, imgs []image.Image, q models.Quantization) ([][]float32, error) {
	encoded := make([]string, 0, len(imgs))
	for _, img := range imgs {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("failed to encode frame: %w", err)
		}
		encoded = append(encoded, base64.StdEncoding.EncodeToString(buf.Bytes()))
	}
	return c.request(ctx, EmbedRequest{Images: encoded, Precision: string(q)})
}

func (c *EmbeddingClient) request(ctx context.Context, body EmbedRequest) ([][]float32, error) {
	body.Model = c.model
	body.Device = c.device
	requestBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/%s", c.baseURL, EmbedEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding server at %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var result EmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error != "" {
		return nil, errors.New(result.Error)
	}
	return result.Embeddings, nil
}
