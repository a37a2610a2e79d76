// Package whatsapp adapts the WhatsApp Business gateway: an outbound client
// for replies and OTP delivery, and the inbound webhook payload types.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Client posts messages to the gateway's REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

type outboundMessage struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// SendText delivers a text message to a phone number.
func (c *Client) SendText(ctx context.Context, phone, text string) error {
	body, err := json.Marshal(outboundMessage{To: phone, Text: text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, detail)
	}

	c.logger.Debug("sent whatsapp message", zap.String("to", phone))
	return nil
}

// SendOTP delivers a login code.
func (c *Client) SendOTP(ctx context.Context, phone, code string) error {
	return c.SendText(ctx, phone, fmt.Sprintf("Your login code is %s. It expires in 5 minutes.", code))
}
