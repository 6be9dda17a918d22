package services

import (
	"context"
	"fmt"
	"os"

	"kindred/internal/workflow"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// EmailService sends reminder emails through SendGrid. It implements
// workflow.SendProvider for the email channel.
type EmailService struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
}

func NewEmailService() *EmailService {
	apiKey := os.Getenv("SENDGRID_API_KEY")
	fromEmail := os.Getenv("SENDGRID_NOTIFICATIONS_FROM_EMAIL")
	fromName := os.Getenv("SENDGRID_FROM_NAME")

	client := sendgrid.NewSendClient(apiKey)

	return &EmailService{
		client:    client,
		fromEmail: fromEmail,
		fromName:  fromName,
	}
}

// Name implements workflow.SendProvider
func (s *EmailService) Name() string {
	return "sendgrid"
}

// Send delivers one reminder email and returns the provider message id.
func (s *EmailService) Send(ctx context.Context, input workflow.SendInput) (string, error) {
	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(input.ContactName, input.Recipient)

	subject, plainContent, htmlContent := reminderContent(input)

	message := mail.NewSingleEmail(from, subject, to, plainContent, htmlContent)
	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return "", err
	}
	if response.StatusCode >= 400 {
		return "", fmt.Errorf("failed to send email to %s: %d", input.Recipient, response.StatusCode)
	}

	messageID := ""
	if ids, ok := response.Headers["X-Message-Id"]; ok && len(ids) > 0 {
		messageID = ids[0]
	}
	return messageID, nil
}

// reminderContent phrases the reminder relative to the occurrence date.
func reminderContent(input workflow.SendInput) (subject, plain, html string) {
	when := input.DueAt.Format("Mon Jan 2")
	subject = fmt.Sprintf("Reminder: %s's %s is coming up", input.ContactName, input.EventTitle)
	plain = fmt.Sprintf("Don't forget: %s's %s is coming up around %s.",
		input.ContactName, input.EventTitle, when)
	html = fmt.Sprintf("<p>Don't forget: <strong>%s</strong>'s %s is coming up around %s.</p>",
		input.ContactName, input.EventTitle, when)
	return subject, plain, html
}
