// Package alerts delivers operator notification emails through SES.
// Alerts are advisory: a failed alert is logged and never fails the
// pipeline that raised it.
package alerts

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	appconfig "github.com/relaypoint/portal-bridge/internal/config"
)

// Mailer sends one operator email.
type Mailer interface {
	Send(ctx context.Context, subject, body string) error
}

// NewMailer returns an SES mailer when alerts are enabled and configured,
// otherwise a no-op mailer that logs what it would have sent.
func NewMailer(ctx context.Context, cfg appconfig.AlertsConfig) Mailer {
	if !cfg.Enabled || cfg.AdminEmail == "" || cfg.FromEmail == "" {
		return Noop{}
	}
	m, err := NewSESMailer(ctx, cfg)
	if err != nil {
		log.Printf("[Alerts] ses client unavailable, alerts disabled: %v", err)
		return Noop{}
	}
	return m
}

// SESMailer sends alerts through AWS SES v2.
type SESMailer struct {
	client *sesv2.Client
	cfg    appconfig.AlertsConfig
}

// NewSESMailer creates an SES client with the configured static credentials.
func NewSESMailer(ctx context.Context, cfg appconfig.AlertsConfig) (*SESMailer, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SESMailer{client: sesv2.NewFromConfig(awsCfg), cfg: cfg}, nil
}

// Send emails the configured admin address.
func (m *SESMailer) Send(ctx context.Context, subject, body string) error {
	to := m.cfg.AdminEmail
	if m.cfg.AdminName != "" {
		to = fmt.Sprintf("%s <%s>", m.cfg.AdminName, m.cfg.AdminEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(m.cfg.FromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body)},
				},
			},
		},
	}

	if _, err := m.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("send alert %q: %w", subject, err)
	}
	return nil
}

// Noop is the mailer used when alerts are disabled.
type Noop struct{}

func (Noop) Send(_ context.Context, subject, _ string) error {
	log.Printf("[Alerts] (disabled) %s", subject)
	return nil
}
