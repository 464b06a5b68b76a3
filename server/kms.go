package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const kmsTimeout = 30 * time.Second

// kmsClient proxies application-key lookups to the remote key-management
// collaborator. Calls have no local state effect.
type kmsClient struct {
	baseURL string
	hc      *http.Client
}

func newKMSClient(baseURL string) *kmsClient {
	return &kmsClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		hc:      &http.Client{Timeout: kmsTimeout},
	}
}

// appEnvEncryptPubKey fetches the public environment-encryption key for an
// application ID.
func (k *kmsClient) appEnvEncryptPubKey(ctx context.Context, appID string) (string, error) {
	if k.baseURL == "" {
		return "", fmt.Errorf("KMS is not configured")
	}
	body, err := json.Marshal(map[string]string{"app_id": appID})
	if err != nil {
		return "", err
	}
	url := k.baseURL + "/prpc/KMS.GetAppEnvEncryptPubKey"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build KMS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("call KMS: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		rb, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("KMS returned %d: %s", resp.StatusCode, rb)
	}
	var out PublicKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parse KMS response: %w", err)
	}
	return out.PublicKey, nil
}
