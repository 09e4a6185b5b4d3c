// Package analysis talks to the external voice classifier. Its central
// contract: Analyze never surfaces a remote failure. When the service is
// down, slow, or replies with garbage, the caller gets the deterministic
// mock result instead, so the orchestrator can always finish a request.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/echotruth/echotruth/internal/model"
	"github.com/echotruth/echotruth/pkg/logger"
)

const (
	// DefaultAnalyzeTimeout bounds the single classification call. The
	// analyzer chews through minutes of audio, so this is deliberately long.
	DefaultAnalyzeTimeout = 5 * time.Minute

	// DefaultHealthTimeout bounds the cheap pre-flight probe.
	DefaultHealthTimeout = 5 * time.Second

	userAgent = "EchoTruth"
)

type Config struct {
	BaseURL        string
	AnalyzeTimeout time.Duration
	HealthTimeout  time.Duration

	// MockMode skips the live service entirely and always returns the
	// canned result. Used in development and offline deployments.
	MockMode bool
}

type Client struct {
	baseURL        string
	analyzeTimeout time.Duration
	healthTimeout  time.Duration
	mockMode       bool
	http           *http.Client
	log            *logger.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.AnalyzeTimeout <= 0 {
		cfg.AnalyzeTimeout = DefaultAnalyzeTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		analyzeTimeout: cfg.AnalyzeTimeout,
		healthTimeout:  cfg.HealthTimeout,
		mockMode:       cfg.MockMode,
		http:           &http.Client{Transport: transport},
		log:            logger.GetLogger(),
	}
}

type analyzeRequest struct {
	AudioBase64  string `json:"audio_base64"`
	LanguageHint string `json:"language_hint,omitempty"`
}

type analyzeResponse struct {
	Classification string             `json:"classification"`
	Confidence     *float64           `json:"confidence"`
	Language       string             `json:"language"`
	Explanation    explanationPayload `json:"explanation"`
}

type explanationPayload struct {
	Reasoning         []string           `json:"reasoning"`
	ModelScores       map[string]float64 `json:"model_scores"`
	PitchAnomaly      bool               `json:"pitch_anomaly"`
	SpectralArtifacts bool               `json:"spectral_artifacts"`
	EnsembleAgreement string             `json:"ensemble_agreement"`
}

// Analyze classifies the audio file at path. The returned error covers only
// local file access; every remote failure mode (probe down, transport error,
// timeout, malformed or out-of-range reply) falls back to MockResult. At
// most one live call is attempted, no retries.
func (c *Client) Analyze(ctx context.Context, path, fileName, languageHint string) (*model.AnalysisResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading audio file: %w", err)
	}

	if c.mockMode {
		c.log.Infof("Mock mode enabled, returning mock result for %s", fileName)
		return MockResult(), nil
	}
	if !c.CheckHealth(ctx) {
		c.log.Warnf("Voice analyzer unavailable, falling back to mock result for %s", fileName)
		return MockResult(), nil
	}

	body, err := json.Marshal(analyzeRequest{
		AudioBase64:  base64.StdEncoding.EncodeToString(data),
		LanguageHint: languageHint,
	})
	if err != nil {
		c.log.Errorf("Failed to encode analyze request: %v", err)
		return MockResult(), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.analyzeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		c.log.Errorf("Failed to build analyze request: %v", err)
		return MockResult(), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	c.log.Infof("Calling voice analyzer for %s (%d bytes)", fileName, len(data))

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warnf("Analyzer call failed, falling back to mock result: %v", err)
		return MockResult(), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warnf("Analyzer returned status %d, falling back to mock result", resp.StatusCode)
		return MockResult(), nil
	}

	var payload analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.log.Warnf("Analyzer reply undecodable, falling back to mock result: %v", err)
		return MockResult(), nil
	}

	result, err := payload.validate()
	if err != nil {
		c.log.Warnf("Analyzer reply invalid, falling back to mock result: %v", err)
		return MockResult(), nil
	}

	c.log.Infof("Analyzer classified %s as %s (confidence %.2f)", fileName, result.Classification, result.Confidence)
	return result, nil
}

// validate turns the loosely typed wire payload into a fully populated
// AnalysisResult, rejecting anything downstream code would have to
// null-check.
func (p *analyzeResponse) validate() (*model.AnalysisResult, error) {
	classification := model.Classification(p.Classification)
	if !classification.Valid() {
		return nil, fmt.Errorf("unknown classification %q", p.Classification)
	}
	if p.Confidence == nil {
		return nil, fmt.Errorf("missing confidence")
	}
	if *p.Confidence < 0 || *p.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", *p.Confidence)
	}

	return &model.AnalysisResult{
		Classification: classification,
		Confidence:     *p.Confidence,
		Language:       p.Language,
		Explanation: model.Explanation{
			Reasoning:         p.Explanation.Reasoning,
			ModelScores:       p.Explanation.ModelScores,
			PitchAnomaly:      p.Explanation.PitchAnomaly,
			SpectralArtifacts: p.Explanation.SpectralArtifacts,
			EnsembleAgreement: p.Explanation.EnsembleAgreement,
		},
	}, nil
}

type healthResponse struct {
	Status string `json:"status"`
}

// CheckHealth probes the analyzer's health endpoint. It never returns an
// error: any probe failure reads as unhealthy.
func (c *Client) CheckHealth(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debugf("Analyzer health probe failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var payload healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false
	}
	return payload.Status == "healthy"
}
