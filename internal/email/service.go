// Package email sends whitelist invitations over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s != nil && s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain-text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	msg := s.buildMessage(to, subject, textBody, htmlBody)
	if err := s.send(s.server, s.auth, s.config.From, to, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

const mimeBoundary = "conclave-alt"

func (s *Service) buildMessage(to []string, subject, textBody, htmlBody string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	headers := [][2]string{
		{"To", strings.Join(to, ", ")},
		{"From", from},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", mimeBoundary)},
	}

	var msg bytes.Buffer
	for _, h := range headers {
		fmt.Fprintf(&msg, "%s: %s\r\n", h[0], h[1])
	}
	msg.WriteString("\r\n")
	for _, part := range []struct{ kind, body string }{{"text/plain", textBody}, {"text/html", htmlBody}} {
		fmt.Fprintf(&msg, "--%s\r\nContent-Type: %s; charset=UTF-8\r\n\r\n%s\r\n\r\n", mimeBoundary, part.kind, part.body)
	}
	fmt.Fprintf(&msg, "--%s--\r\n", mimeBoundary)
	return msg.Bytes()
}

type InviteData struct {
	AppName   string
	Role      string
	InvitedBy string
	PortalURL string
}

// SendInvite tells a newly whitelisted address it can sign in.
func (s *Service) SendInvite(to, role, invitedBy, portalURL string) error {
	data := InviteData{
		AppName:   "Conclave",
		Role:      role,
		InvitedBy: invitedBy,
		PortalURL: portalURL,
	}
	var html bytes.Buffer
	if err := inviteTemplate.Execute(&html, data); err != nil {
		return fmt.Errorf("render invite template: %w", err)
	}
	text := fmt.Sprintf("%s added you to the Conclave member whitelist as %s. Sign in at %s", invitedBy, role, portalURL)
	return s.SendHTMLEmail([]string{to}, "You have been invited to Conclave", text, html.String())
}

var inviteTemplate = template.Must(template.New("invite").Parse(inviteEmailTemplate))

const inviteEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>You have been invited to {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #2b3a55; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #2b3a55; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>{{if .InvitedBy}}{{.InvitedBy}} has{{else}}You have been{{end}} added {{if .InvitedBy}}you {{end}}to the member whitelist with the <strong>{{.Role}}</strong> role.</p>

    <p>Sign in with the same e-mail address to vote on proposals, set funding priorities and record commitments.</p>

    <p>
        <a href="{{.PortalURL}}" class="button">Open {{.AppName}}</a>
    </p>

    <div class="footer">
        <p>If you were not expecting this invitation you can ignore this email.</p>
    </div>
</body>
</html>`
