package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"kindred/internal/workflow"
)

// SMSService sends reminder texts through an HTTP SMS gateway. It implements
// workflow.SendProvider for the sms channel.
type SMSService struct {
	baseURL    string
	apiKey     string
	fromNumber string
	httpClient *http.Client
}

func NewSMSService() *SMSService {
	return &SMSService{
		baseURL:    os.Getenv("SMS_GATEWAY_URL"),
		apiKey:     os.Getenv("SMS_GATEWAY_API_KEY"),
		fromNumber: os.Getenv("SMS_FROM_NUMBER"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Name implements workflow.SendProvider
func (s *SMSService) Name() string {
	return "sms-gateway"
}

type smsRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type smsResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send delivers one reminder SMS and returns the gateway message id.
func (s *SMSService) Send(ctx context.Context, input workflow.SendInput) (string, error) {
	if s.baseURL == "" {
		return "", fmt.Errorf("SMS_GATEWAY_URL is not configured")
	}

	body := fmt.Sprintf("Reminder: %s's %s is coming up around %s.",
		input.ContactName, input.EventTitle, input.DueAt.Format("Jan 2"))

	payload, err := json.Marshal(smsRequest{
		From: s.fromNumber,
		To:   input.Recipient,
		Body: body,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	var result smsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode sms gateway response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, result.Error)
	}
	return result.MessageID, nil
}
