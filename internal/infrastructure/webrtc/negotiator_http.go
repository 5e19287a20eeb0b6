package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"
)

const NegotiatePath = "/api/v1/media/negotiate"

// NegotiateRequest is the wire form of an offer sent to the SFU.
type NegotiateRequest struct {
	AppID   string `json:"app_id"`
	Channel string `json:"channel"`
	UID     string `json:"uid"`
	SDP     string `json:"sdp"`
}

type NegotiateResponse struct {
	SDP string `json:"sdp"`
}

// HTTPNegotiator posts offers to a remote carebridge server with the visit
// token as bearer credential.
type HTTPNegotiator struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPNegotiator(baseURL string, timeout time.Duration) *HTTPNegotiator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPNegotiator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (n *HTTPNegotiator) Negotiate(ctx context.Context, req ports.NegotiationRequest) (ports.NegotiationAnswer, error) {
	jsonData, err := json.Marshal(NegotiateRequest{
		AppID:   req.AppID,
		Channel: req.Channel,
		UID:     string(req.UID),
		SDP:     req.SDP,
	})
	if err != nil {
		return ports.NegotiationAnswer{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+NegotiatePath, bytes.NewBuffer(jsonData))
	if err != nil {
		return ports.NegotiationAnswer{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return ports.NegotiationAnswer{}, fmt.Errorf("negotiation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ports.NegotiationAnswer{}, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ports.NegotiationAnswer{}, fmt.Errorf("%w: %s", domain.ErrInvalidVisitToken, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 400:
		return ports.NegotiationAnswer{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var answer NegotiateResponse
	if err := json.Unmarshal(body, &answer); err != nil {
		return ports.NegotiationAnswer{}, fmt.Errorf("invalid negotiation response: %w", err)
	}
	if answer.SDP == "" {
		return ports.NegotiationAnswer{}, fmt.Errorf("empty answer from media server")
	}
	return ports.NegotiationAnswer{SDP: answer.SDP}, nil
}
