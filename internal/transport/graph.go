package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/shineum/mailsend/internal/config"
	"github.com/shineum/mailsend/internal/email"
	"github.com/shineum/mailsend/internal/encoder"
	"github.com/shineum/mailsend/internal/oauth"
)

const defaultGraphURL = "https://graph.microsoft.com/v1.0"

// Graph sends messages through the Microsoft Graph sendMail endpoint using
// OAuth2 client credentials.
type Graph struct {
	renderer
	baseURL         string
	saveToSentItems bool
	httpClient      *http.Client
	tokens          *oauth.TokenSource
	logger          *slog.Logger
}

// NewGraph creates a Graph transport. The OAuth client credentials in cfg are
// required.
func NewGraph(cfg *config.Config, opts Options) (*Graph, error) {
	opts, err := opts.resolve(cfg)
	if err != nil {
		return nil, err
	}
	if !cfg.OAuth.Configured() {
		return nil, fmt.Errorf("%w: graph transport requires oauth tenant or token url, client id and client secret", email.ErrConfig)
	}

	client := &http.Client{Timeout: opts.ConnectTimeout + opts.IOTimeout}
	tokens, err := tokenSource(cfg.OAuth, oauth.ScopeGraph, client)
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(cfg.Graph.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGraphURL
	}

	return &Graph{
		renderer:        renderer{defaultFrom: cfg.DefaultFrom(), maxSize: opts.MaxMessageSize},
		baseURL:         baseURL,
		saveToSentItems: cfg.Graph.SaveToSentItems,
		httpClient:      client,
		tokens:          tokens,
		logger:          opts.Logger.With("transport", NameGraph),
	}, nil
}

// Send delivers msg with one sendMail request. A 401 response triggers a
// single token refresh and resend; nothing else is retried.
func (t *Graph) Send(ctx context.Context, msg *email.Message) error {
	r, err := t.render(msg)
	if err != nil {
		return err
	}

	m := *msg
	if m.From == "" {
		m.From = t.defaultFrom
	}
	req, err := buildSendMailRequest(&m, t.saveToSentItems)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal request body: %w", email.ErrProtocol, err)
	}

	endpoint := t.baseURL + "/users/" + url.PathEscape(r.env.From) + "/sendMail"

	token, err := t.tokens.Token(ctx)
	if err != nil {
		t.logger.Error("graph token acquisition failed", "error", err)
		return err
	}
	err = t.post(ctx, endpoint, token, body)

	var gerr *GraphError
	if errors.As(err, &gerr) && gerr.StatusCode == http.StatusUnauthorized {
		t.logger.Info("refreshing Graph API token after 401")
		token, err = t.tokens.ForceRefresh(ctx)
		if err != nil {
			return err
		}
		err = t.post(ctx, endpoint, token, body)
	}
	if err != nil {
		t.logger.Error("graph delivery failed", "error", err)
		return err
	}

	logSent(t.logger, NameGraph, r)
	return nil
}

// Name returns the transport name.
func (t *Graph) Name() string {
	return NameGraph
}

// post performs a single sendMail request.
func (t *Graph) post(ctx context.Context, endpoint, token string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", email.ErrConfig, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: graph request failed: %w", email.ErrConnection, err)
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	gerr := &GraphError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}

	var errResp graphErrorResponse
	if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
		gerr.Code = errResp.Error.Code
		gerr.Message = errResp.Error.Message
	}
	return gerr
}

// GraphError is a non-success response from the Graph API.
type GraphError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *GraphError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph API error (HTTP %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Is matches email.ErrProtocol, and email.ErrAuthConfig for 401 and 403.
func (e *GraphError) Is(target error) bool {
	switch target {
	case email.ErrProtocol:
		return true
	case email.ErrAuthConfig:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject                string            `json:"subject"`
	Body                   messageBody       `json:"body"`
	From                   *recipient        `json:"from,omitempty"`
	ToRecipients           []recipient       `json:"toRecipients"`
	CcRecipients           []recipient       `json:"ccRecipients,omitempty"`
	BccRecipients          []recipient       `json:"bccRecipients,omitempty"`
	ReplyTo                []recipient       `json:"replyTo,omitempty"`
	Attachments            []graphAttachment `json:"attachments,omitempty"`
	InternetMessageHeaders []messageHeader   `json:"internetMessageHeaders,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	ContentID    string `json:"contentId,omitempty"`
	IsInline     bool   `json:"isInline,omitempty"`
}

type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildSendMailRequest converts msg into a sendMail request body. Bcc
// recipients travel in bccRecipients, never in a header. Graph only accepts
// custom headers prefixed with X-, so other custom headers are dropped.
func buildSendMailRequest(msg *email.Message, saveToSentItems bool) (*sendMailRequest, error) {
	body := messageBody{ContentType: "text", Content: msg.Body}
	if msg.IsHTML {
		body.ContentType = "html"
	}

	from := toRecipient(msg.From)
	out := &sendMailRequest{
		SaveToSentItems: saveToSentItems,
		Message: sendMailMessage{
			Subject:       msg.Subject,
			Body:          body,
			From:          &from,
			ToRecipients:  []recipient{toRecipient(msg.To)},
			CcRecipients:  toRecipients(msg.Cc),
			BccRecipients: toRecipients(msg.Bcc),
		},
	}
	if msg.ReplyTo != "" {
		out.Message.ReplyTo = []recipient{toRecipient(msg.ReplyTo)}
	}

	for _, img := range msg.EmbeddedImages {
		content, err := encoder.LoadImage(img)
		if err != nil {
			return nil, err
		}
		out.Message.Attachments = append(out.Message.Attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         filepath.Base(img.Path),
			ContentType:  encoder.ImageType(img),
			ContentBytes: base64.StdEncoding.EncodeToString(content),
			ContentID:    img.ContentID,
			IsInline:     true,
		})
	}
	for _, att := range msg.Attachments {
		content, err := encoder.LoadAttachment(att)
		if err != nil {
			return nil, err
		}
		out.Message.Attachments = append(out.Message.Attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Name,
			ContentType:  att.MIMEType,
			ContentBytes: base64.StdEncoding.EncodeToString(content),
		})
	}

	for _, h := range msg.Headers {
		if !strings.HasPrefix(strings.ToLower(h.Name), "x-") {
			continue
		}
		out.Message.InternetMessageHeaders = append(out.Message.InternetMessageHeaders,
			messageHeader{Name: h.Name, Value: sanitize(h.Value)})
	}
	return out, nil
}

func toRecipient(raw string) recipient {
	if addr, err := mail.ParseAddress(raw); err == nil {
		return recipient{EmailAddress: emailAddress{Name: addr.Name, Address: addr.Address}}
	}
	return recipient{EmailAddress: emailAddress{Address: strings.TrimSpace(raw)}}
}

func toRecipients(list []string) []recipient {
	if len(list) == 0 {
		return nil
	}
	out := make([]recipient, 0, len(list))
	for _, raw := range list {
		out = append(out, toRecipient(raw))
	}
	return out
}
