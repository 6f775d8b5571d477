package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shineum/mailsend/internal/email"
)

// sesDefaultHost is the AMAZON_SES host when no SES endpoint is configured.
const sesDefaultHost = "email-smtp.us-east-1.amazonaws.com"

// Preset is a well-known provider's relay settings. Every preset enables
// authentication.
type Preset struct {
	Host     string
	Port     int
	Secure   string
	AuthType string
}

var presets = map[string]Preset{
	"GMAIL":      {Host: "smtp.gmail.com", Port: 587, Secure: "tls"},
	"OUTLOOK":    {Host: "smtp.office365.com", Port: 587, Secure: "tls", AuthType: "XOAUTH2"},
	"HOTMAIL":    {Host: "smtp.office365.com", Port: 587, Secure: "tls", AuthType: "XOAUTH2"},
	"OFFICE365":  {Host: "smtp.office365.com", Port: 587, Secure: "tls", AuthType: "XOAUTH2"},
	"YAHOO":      {Host: "smtp.mail.yahoo.com", Port: 587, Secure: "tls"},
	"ZOHO":       {Host: "smtp.zoho.com", Port: 587, Secure: "tls"},
	"SENDGRID":   {Host: "smtp.sendgrid.net", Port: 587, Secure: "tls"},
	"MAILGUN":    {Host: "smtp.mailgun.org", Port: 587, Secure: "tls"},
	"MAILTRAP":   {Host: "sandbox.smtp.mailtrap.io", Port: 2525, Secure: ""},
	"AMAZON_SES": {Host: sesDefaultHost, Port: 587, Secure: "tls"},
}

// LookupPreset returns the preset registered under name (case-insensitive).
func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[strings.ToUpper(strings.TrimSpace(name))]
	return p, ok
}

// PresetNames returns the registered preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// applyPreset overrides the relay settings with the named preset. It runs
// after the environment layer, so preset values win over EMAIL_HOST and
// friends. Credentials and the sender are never touched.
func (c *Config) applyPreset() error {
	if c.Provider == "" {
		return nil
	}
	name := strings.ToUpper(strings.TrimSpace(c.Provider))
	p, ok := presets[name]
	if !ok {
		return fmt.Errorf("%w: unknown provider preset %q (known: %s)",
			email.ErrConfig, c.Provider, strings.Join(PresetNames(), ", "))
	}

	c.SMTP.Host = p.Host
	if name == "AMAZON_SES" && c.SES.Endpoint != "" {
		c.SMTP.Host = c.SES.Endpoint
	}
	c.SMTP.Port = p.Port
	c.SMTP.Secure = p.Secure
	c.SMTP.Auth = true
	if p.AuthType != "" {
		c.SMTP.AuthType = p.AuthType
	}
	return nil
}
