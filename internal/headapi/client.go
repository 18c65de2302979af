// Package headapi implements the head's HTTP surface: the node registry,
// signed outbound calls to nodes, fan-out aggregation, node-affinity
// caching, and the enrollment relay that establishes head/node trust.
package headapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/webai/internal/envelope"
	"github.com/BaSui01/webai/internal/keystore"
	"github.com/BaSui01/webai/internal/weberr"
)

// envelopeResponse mirrors httpapi.Response without importing that package,
// keeping headapi decoupled from the node's response envelope type.
type envelopeResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Reason  string `json:"reason,omitempty"`
	} `json:"error,omitempty"`
}

// NodeClient issues signed requests to node HTTP surfaces on behalf of the
// head's own identity.
type NodeClient struct {
	httpClient *http.Client
	keypair    *keystore.HeadKeyPair
}

// NewNodeClient builds a client that signs every outbound request with
// keypair and bounds each call with timeout.
func NewNodeClient(keypair *keystore.HeadKeyPair, timeout time.Duration) *NodeClient {
	return &NodeClient{
		httpClient: &http.Client{Timeout: timeout},
		keypair:    keypair,
	}
}

// Call issues method against baseURL+path, signs it, and decodes the node's
// envelope response into out (if non-nil). A non-2xx or envelope error
// response is returned as a *weberr.Error carrying the node's own code.
func (c *NodeClient) Call(ctx context.Context, baseURL, method, path string, body any, out any) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.keypair != nil {
		nonce := uuid.NewString()
		sig, meta, err := envelope.Sign(c.keypair.Private, c.keypair.ID, method, path, raw, time.Now(), nonce)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set(envelope.SignatureHeader, sig)
		req.Header.Set(envelope.MetaHeader, meta)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return weberr.New(weberr.CodeNodeUnreachable, "node request failed").WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return weberr.New(weberr.CodeNodeUnreachable, "failed to read node response").WithCause(err)
	}

	var env envelopeResponse
	if err := json.Unmarshal(respBody, &env); err != nil {
		return weberr.New(weberr.CodeNodeUnreachable, "node returned a malformed response").WithCause(err)
	}

	if !env.Success {
		code := weberr.CodeInternal
		msg := "node returned an error"
		reason := ""
		if env.Error != nil {
			code = weberr.Code(env.Error.Code)
			msg = env.Error.Message
			reason = env.Error.Reason
		}
		return weberr.New(code, msg).WithReason(reason).WithHTTPStatus(resp.StatusCode)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return weberr.New(weberr.CodeNodeUnreachable, "failed to decode node response data").WithCause(err)
		}
	}
	return nil
}
