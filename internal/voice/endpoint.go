package voice

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const defaultAPIVersion = "2024-02-15-preview"

var (
	ErrNotConfigured  = errors.New("voice session is not configured")
	ErrInvalidVoiceID = errors.New("invalid synthesis voice id: expected a voice identifier such as 21m00Tcm4TlvDq8ikWAM, got something that looks like an API key")
)

// SpeechURL turns a configured endpoint into the realtime socket URL:
// http(s) becomes ws(s), a bare host gets wss, api-key is set and
// api-version defaults when absent. Other query parameters are kept.
func SpeechURL(endpoint, apiKey, apiVersion string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	apiKey = strings.TrimSpace(apiKey)
	if endpoint == "" {
		return "", fmt.Errorf("%w: speech endpoint is empty", ErrNotConfigured)
	}
	if apiKey == "" {
		return "", fmt.Errorf("%w: speech API key is empty", ErrNotConfigured)
	}
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	case !strings.HasPrefix(endpoint, "wss://") && !strings.HasPrefix(endpoint, "ws://"):
		endpoint = "wss://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid speech endpoint URL: %s", endpoint)
	}
	q := u.Query()
	q.Set("api-key", apiKey)
	if !q.Has("api-version") {
		if apiVersion == "" {
			apiVersion = defaultAPIVersion
		}
		q.Set("api-version", apiVersion)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ValidateVoiceID rejects empty ids and values that look like API keys.
func ValidateVoiceID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: synthesis voice id is required", ErrNotConfigured)
	}
	if strings.HasPrefix(id, "sk_") || len(id) > 50 {
		return ErrInvalidVoiceID
	}
	return nil
}

// SynthesisURL builds <base>/<voice>/stream with the latency and output
// format parameters.
func SynthesisURL(base, voiceID string, latency int, format string) (string, error) {
	if err := ValidateVoiceID(voiceID); err != nil {
		return "", err
	}
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid synthesis base URL: %q", base)
	}
	u = u.JoinPath(strings.TrimSpace(voiceID), "stream")
	q := u.Query()
	q.Set("optimize_streaming_latency", strconv.Itoa(latency))
	if format != "" {
		q.Set("output_format", format)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var secretParam = regexp.MustCompile(`((?:api-key|xi-api-key)=)[^&]*`)

// Redact masks credentials carried in a socket URL.
func Redact(rawURL string) string {
	return secretParam.ReplaceAllString(rawURL, "${1}***")
}
