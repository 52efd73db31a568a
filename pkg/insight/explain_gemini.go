package insight

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/genai"
)

// geminiModel is the model id used for threshold explanations; small and
// cheap is sufficient since this is a structured numeric/narrative task, not
// open-ended generation.
const geminiModel = "gemini-2.0-flash"

// GeminiExplainer asks a Gemini model for a narrative explanation plus
// suggested threshold values. It is wired in only when GEMINI_API_KEY is
// configured (see internal/config); callers otherwise use
// HeuristicExplainer.
type GeminiExplainer struct {
	client *genai.Client
}

// NewGeminiExplainer builds a GeminiExplainer from an API key.
func NewGeminiExplainer(ctx context.Context, apiKey string) (*GeminiExplainer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GeminiExplainer{client: client}, nil
}

// Explain sends m's metrics to Gemini and parses back reasoning plus
// suggested thresholds. ctx's deadline (the Engine's 3s explainTimeout)
// bounds the call; a context error propagates to the caller unchanged so it
// can distinguish a timeout from a genuine model error.
func (g *GeminiExplainer) Explain(ctx context.Context, m Metrics) (string, SuggestedThresholds, float64, error) {
	prompt := buildExplainPrompt(m)

	resp, err := g.client.Models.GenerateContent(ctx, geminiModel,
		[]*genai.Content{
			{Role: "user", Parts: []*genai.Part{{Text: prompt}}},
		},
		&genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{
				Parts: []*genai.Part{{Text: explainSystemPrompt}},
			},
			MaxOutputTokens: 300,
		},
	)
	if err != nil {
		return "", SuggestedThresholds{}, 0, fmt.Errorf("generating explanation: %w", err)
	}

	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.Text != "" {
				text.WriteString(part.Text)
			}
		}
	}

	if text.Len() == 0 {
		return "", SuggestedThresholds{}, 0, fmt.Errorf("empty response from model")
	}

	reasoning, suggested, confidence := parseExplainResponse(text.String(), m)
	return reasoning, suggested, confidence, nil
}

const explainSystemPrompt = `You advise a traffic-management control plane on threshold tuning for one
API endpoint. Given its current metrics and thresholds, respond with:
1. A one-paragraph explanation of the endpoint's current health.
2. Lines "SUGGEST <field>: <number>" for any of cache_latency_ms,
   circuit_breaker_error_rate, rate_limit_customer_rpm, queue_deferral_rpm,
   load_shedding_rpm you believe should change. Omit fields you would not
   change.
3. A final line "CONFIDENCE: <0.0-1.0>".`

func buildExplainPrompt(m Metrics) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Service: %s%s\n", m.Service, m.Endpoint)
	fmt.Fprintf(&sb, "Current: avg_latency_ms=%.1f error_rate=%.4f rpm=%d p50=%.1f p95=%.1f p99=%.1f\n",
		m.AvgLatencyMS, m.ErrorRate, m.RPM, m.P50, m.P95, m.P99)
	fmt.Fprintf(&sb, "Thresholds: cache_latency_ms=%.1f circuit_breaker_error_rate=%.4f rate_limit_customer_rpm=%.1f queue_deferral_rpm=%.1f load_shedding_rpm=%.1f\n",
		m.CurrentCacheLatencyMS, m.CurrentCircuitBreakerErrorRate, m.CurrentRateLimitCustomerRPM, m.CurrentQueueDeferralRPM, m.CurrentLoadSheddingRPM)
	return sb.String()
}

// parseExplainResponse extracts SUGGEST/CONFIDENCE lines from the model's
// free-text reply, falling back to "no change" / zero confidence for
// anything it can't parse rather than erroring — a malformed reply should
// degrade gracefully, not abort the evaluation.
func parseExplainResponse(text string, m Metrics) (string, SuggestedThresholds, float64) {
	suggested := SuggestedThresholds{
		CacheLatencyMS:          m.CurrentCacheLatencyMS,
		CircuitBreakerErrorRate: m.CurrentCircuitBreakerErrorRate,
		RateLimitCustomerRPM:    m.CurrentRateLimitCustomerRPM,
		QueueDeferralRPM:        m.CurrentQueueDeferralRPM,
		LoadSheddingRPM:         m.CurrentLoadSheddingRPM,
	}
	var confidence float64
	var narrative []string

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(strings.ToUpper(line), "SUGGEST"):
			field, value, ok := parseSuggestLine(line)
			if !ok {
				continue
			}
			switch field {
			case "cache_latency_ms":
				suggested.CacheLatencyMS = value
			case "circuit_breaker_error_rate":
				suggested.CircuitBreakerErrorRate = value
			case "rate_limit_customer_rpm":
				suggested.RateLimitCustomerRPM = value
			case "queue_deferral_rpm":
				suggested.QueueDeferralRPM = value
			case "load_shedding_rpm":
				suggested.LoadSheddingRPM = value
			}
		case strings.HasPrefix(strings.ToUpper(line), "CONFIDENCE"):
			if v, ok := parseConfidenceLine(line); ok {
				confidence = v
			}
		case line != "":
			narrative = append(narrative, line)
		}
	}

	return strings.Join(narrative, " "), suggested, confidence
}

func parseSuggestLine(line string) (field string, value float64, ok bool) {
	rest := line
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		rest = line[idx+1:]
	}
	parts := strings.Fields(strings.TrimPrefix(strings.ToUpper(line), "SUGGEST"))
	if len(parts) == 0 {
		return "", 0, false
	}
	field = strings.ToLower(strings.TrimSuffix(parts[0], ":"))
	v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
	if err != nil {
		return "", 0, false
	}
	return field, v, true
}

func parseConfidenceLine(line string) (float64, bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(line[idx+1:]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
