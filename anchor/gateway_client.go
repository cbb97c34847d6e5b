package anchor

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

// GatewayClient submits anchors to the ledger gateway's REST front
// (POST {baseURL}/anchors), which invokes the anchor chaincode.
type GatewayClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewGatewayClient(baseURL, token string) *GatewayClient {
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 25 * time.Second},
	}
}

type gatewayResp struct {
	TxID      string `json:"txId"`
	Reference string `json:"reference,omitempty"`
}

// Record implements Ledger.
func (g *GatewayClient) Record(ctx context.Context, ev Event) (string, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal anchor event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/anchors", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", ev.BatchCode+"/"+ev.EventType)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ledger gateway call failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ledger gateway non-2xx: %s, body: %s", resp.Status, string(data))
	}

	var out gatewayResp
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode ledger gateway resp: %w", err)
	}
	ref := out.Reference
	if ref == "" {
		ref = out.TxID
	}
	if ref == "" {
		return "", fmt.Errorf("ledger gateway returned no reference")
	}
	return ref, nil
}
