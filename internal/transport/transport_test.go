package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailsend/internal/config"
	"github.com/shineum/mailsend/internal/email"
	"github.com/shineum/mailsend/internal/smtptest"
)

func testOptions() Options {
	return Options{
		ConnectTimeout: 5 * time.Second,
		IOTimeout:      5 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func testConfig(host string, port int) *config.Config {
	return &config.Config{
		SMTP: config.SMTPConfig{
			Host:      host,
			Port:      port,
			LocalName: "client.test",
		},
		Timeouts: config.TimeoutConfig{Connect: 5 * time.Second, IO: 5 * time.Second},
		Sendmail: config.SendmailConfig{Path: "/usr/sbin/sendmail"},
		Limits:   config.LimitsConfig{MaxMessageSize: "1MiB"},
	}
}

func scenarioMessage() *email.Message {
	return &email.Message{
		From:    "A <a@x.com>",
		To:      "b@y.com",
		Subject: "Hi",
		Body:    "hello",
	}
}

func count(cmds []string, want string) int {
	n := 0
	for _, c := range cmds {
		if c == want {
			n++
		}
	}
	return n
}

func TestSMTP_Scenario(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.Config{})

	tr, err := NewSMTP(testConfig(srv.Host(), srv.Port()), testOptions())
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), scenarioMessage()))

	res := srv.Wait(t)
	assert.Equal(t, 1, count(res.Commands, "MAIL FROM:<a@x.com>"))
	assert.Equal(t, 1, count(res.Commands, "RCPT TO:<b@y.com>"))
	assert.True(t, res.ClientClosed)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	data := string(msgs[0].Data)
	assert.True(t, strings.HasPrefix(data, "To: b@y.com\r\nFrom: A <a@x.com>\r\nSubject: Hi\r\n"), data)
	assert.Contains(t, data, "MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\nhello\r\n")
}

func TestSMTP_ScenarioRecipientRejected(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.Config{
		Replies: map[string]string{"RCPT": "550 5.1.1 No such user"},
	})

	tr, err := NewSMTP(testConfig(srv.Host(), srv.Port()), testOptions())
	require.NoError(t, err)

	err = tr.Send(context.Background(), scenarioMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, email.ErrProtocol)
	assert.Contains(t, err.Error(), "550")

	res := srv.Wait(t)
	assert.True(t, res.ClientClosed, "socket closed after the failure")
	assert.Empty(t, srv.Messages())
}

func TestSMTP_EnvelopeIncludesBccButHeadersDoNot(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.Config{})

	tr, err := NewSMTP(testConfig(srv.Host(), srv.Port()), testOptions())
	require.NoError(t, err)

	msg := scenarioMessage()
	msg.Cc = []string{"C <c@y.com>"}
	msg.Bcc = []string{"hidden@y.com"}
	require.NoError(t, tr.Send(context.Background(), msg))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"b@y.com", "c@y.com", "hidden@y.com"}, msgs[0].To)
	assert.Contains(t, string(msgs[0].Data), "Cc: C <c@y.com>\r\n")
	assert.NotContains(t, string(msgs[0].Data), "hidden@y.com")
	assert.NotContains(t, string(msgs[0].Data), "Bcc")
}

func TestSMTP_AuthLogin(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.Config{Username: "user", Password: "pass"})

	cfg := testConfig(srv.Host(), srv.Port())
	cfg.SMTP.Auth = true
	cfg.SMTP.Username = "user"
	cfg.SMTP.Password = "pass"

	tr, err := Select(cfg, nil, testOptions())
	require.NoError(t, err)
	require.IsType(t, &SMTP{}, tr)
	require.NoError(t, tr.Send(context.Background(), scenarioMessage()))
	assert.Len(t, srv.Messages(), 1)
}

func TestSMTP_XOAUTH2WithoutToken(t *testing.T) {
	cfg := testConfig("127.0.0.1", 25)
	cfg.SMTP.Auth = true
	cfg.SMTP.AuthType = "XOAUTH2"
	cfg.SMTP.Username = "user@x.com"

	tr, err := NewSMTP(cfg, testOptions())
	assert.Nil(t, tr)
	assert.ErrorIs(t, err, email.ErrAuthConfig)

	tr2, err := Select(cfg, nil, testOptions())
	assert.Nil(t, tr2)
	assert.ErrorIs(t, err, email.ErrAuthConfig)
}

func TestSMTP_XOAUTH2ClientCredentials(t *testing.T) {
	var tokenCalls atomic.Int32
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "https://outlook.office365.com/.default", r.FormValue("scope"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fetched-token","expires_in":3600}`))
	}))
	defer tokens.Close()

	srv := smtptest.NewServer(t, smtptest.Config{Username: "user@x.com", Token: "fetched-token"})

	cfg := testConfig(srv.Host(), srv.Port())
	cfg.SMTP.Auth = true
	cfg.SMTP.AuthType = "XOAUTH2"
	cfg.SMTP.Username = "user@x.com"
	cfg.OAuth = config.OAuthConfig{TokenURL: tokens.URL, ClientID: "cid", ClientSecret: "csecret"}

	tr, err := NewSMTP(cfg, testOptions())
	require.NoError(t, err)
	require.NotNil(t, tr.tokens)
	require.NoError(t, tr.Send(context.Background(), scenarioMessage()))

	assert.Len(t, srv.Messages(), 1)
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestSMTP_PreconditionFailsBeforeConnecting(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.Config{})

	tr, err := NewSMTP(testConfig(srv.Host(), srv.Port()), testOptions())
	require.NoError(t, err)

	msg := scenarioMessage()
	msg.Subject = ""
	err = tr.Send(context.Background(), msg)
	assert.ErrorIs(t, err, email.ErrPrecondition)
	assert.Contains(t, err.Error(), "subject")
	assert.Empty(t, srv.Messages())
}

func TestSMTP_MissingAttachment(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.Config{})

	tr, err := NewSMTP(testConfig(srv.Host(), srv.Port()), testOptions())
	require.NoError(t, err)

	msg := scenarioMessage()
	msg.Attachments = []email.Attachment{email.FileAttachment(filepath.Join(t.TempDir(), "nope.pdf"), "")}
	err = tr.Send(context.Background(), msg)
	assert.ErrorIs(t, err, email.ErrResource)
	assert.Empty(t, srv.Messages())
}

func TestSMTP_MessageTooLarge(t *testing.T) {
	cfg := testConfig("127.0.0.1", 25)
	cfg.Limits.MaxMessageSize = "1KiB"

	tr, err := NewSMTP(cfg, testOptions())
	require.NoError(t, err)

	msg := scenarioMessage()
	msg.Body = strings.Repeat("x", 4096)
	assert.ErrorIs(t, tr.Send(context.Background(), msg), email.ErrResource)
}

func TestSMTP_DefaultFrom(t *testing.T) {
	srv := smtptest.NewServer(t, smtptest.Config{})

	cfg := testConfig(srv.Host(), srv.Port())
	cfg.Sender = config.SenderConfig{From: "noreply@x.com", FromName: "Robot"}
	tr, err := NewSMTP(cfg, testOptions())
	require.NoError(t, err)

	msg := scenarioMessage()
	msg.From = ""
	require.NoError(t, tr.Send(context.Background(), msg))
	assert.Equal(t, "", msg.From, "message must not be modified")

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "noreply@x.com", msgs[0].From)
	assert.Contains(t, string(msgs[0].Data), "From: Robot <noreply@x.com>\r\n")
}

func TestSMTP_InvalidConfig(t *testing.T) {
	cfg := testConfig("127.0.0.1", 25)
	cfg.SMTP.Secure = "starttls"
	_, err := NewSMTP(cfg, testOptions())
	assert.ErrorIs(t, err, email.ErrConfig)

	cfg = testConfig("127.0.0.1", 25)
	cfg.SMTP.AuthType = "CRAM-MD5"
	_, err = NewSMTP(cfg, testOptions())
	assert.ErrorIs(t, err, email.ErrConfig)

	cfg = testConfig("127.0.0.1", 25)
	cfg.SMTP.CAFile = "/nonexistent/ca.pem"
	_, err = NewSMTP(cfg, testOptions())
	assert.ErrorIs(t, err, email.ErrConfig)
}

func TestSMTP_InProcessServer(t *testing.T) {
	srv := smtptest.NewInProcessServer(t)

	tr, err := NewSMTP(testConfig(srv.Host(), srv.Port()), testOptions())
	require.NoError(t, err)

	msg := scenarioMessage()
	msg.IsHTML = true
	msg.Body = "<p>hello</p>"
	msg.Attachments = []email.Attachment{email.BytesAttachment([]byte("a,b\n1,2\n"), "data.csv", "text/csv")}
	require.NoError(t, tr.Send(context.Background(), msg))

	require.Eventually(t, func() bool { return len(srv.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	data := string(srv.Messages()[0].Data)
	assert.Contains(t, data, "Content-Type: multipart/mixed; boundary=")
	assert.Contains(t, data, `filename="data.csv"`)
}

type stubTransport struct{}

func (stubTransport) Send(context.Context, *email.Message) error { return nil }
func (stubTransport) Name() string                               { return "stub" }

func TestSelect(t *testing.T) {
	cfg := testConfig("127.0.0.1", 25)

	explicit := stubTransport{}
	tr, err := Select(cfg, explicit, testOptions())
	require.NoError(t, err)
	assert.Equal(t, "stub", tr.Name())

	cfg.SMTP.Auth = true
	tr, err = Select(cfg, explicit, testOptions())
	require.NoError(t, err)
	assert.Equal(t, "stub", tr.Name(), "explicit transport wins over auth")

	tr, err = Select(cfg, nil, testOptions())
	require.NoError(t, err)
	assert.Equal(t, NameSMTP, tr.Name())

	cfg.SMTP.Auth = false
	tr, err = Select(cfg, nil, testOptions())
	require.NoError(t, err)
	assert.Equal(t, NameSendmail, tr.Name())
}

func TestNew(t *testing.T) {
	cfg := testConfig("127.0.0.1", 25)

	for _, name := range []string{"smtp", "SMTP", "sendmail", "stdout"} {
		tr, err := New(context.Background(), name, cfg, testOptions())
		require.NoError(t, err, name)
		assert.Equal(t, strings.ToLower(name), tr.Name())
	}

	tr, err := New(context.Background(), "pigeon", cfg, testOptions())
	assert.Nil(t, tr)
	assert.ErrorIs(t, err, email.ErrConfig)

	cfg.SMTP.Secure = "bogus"
	tr, err = New(context.Background(), "smtp", cfg, testOptions())
	assert.Nil(t, tr)
	assert.True(t, errors.Is(err, email.ErrConfig))
}

func TestOptions_Resolve(t *testing.T) {
	cfg := testConfig("127.0.0.1", 25)
	cfg.Timeouts = config.TimeoutConfig{Connect: 2 * time.Second, IO: 3 * time.Second}

	opts, err := Options{}.resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 3*time.Second, opts.IOTimeout)
	assert.Equal(t, int64(1024*1024), opts.MaxMessageSize)
	assert.NotNil(t, opts.Logger)

	opts, err = Options{ConnectTimeout: time.Second, MaxMessageSize: 10}.resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Second, opts.ConnectTimeout)
	assert.Equal(t, int64(10), opts.MaxMessageSize)

	cfg.Limits.MaxMessageSize = "huge"
	_, err = Options{}.resolve(cfg)
	assert.ErrorIs(t, err, email.ErrConfig)
}
