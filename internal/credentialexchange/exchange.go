package credentialexchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
)

var ErrExchangeFailed = errors.New("unable to exchange token")

const (
	stsNamespace = "https://sts.amazonaws.com/doc/2011-06-15/"
	stsVersion   = "2011-06-15"
)

// ExchangeError carries the upstream error code and message from the
// federation endpoint so terminal failures surface the real cause.
type ExchangeError struct {
	Code       string
	Message    string
	StatusCode int
}

func (e *ExchangeError) Error() string {
	msg := "credential exchange failed"
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Code)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s - %s", msg, e.Message)
	}
	if e.Code == "" && e.Message == "" && e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	return msg
}

func (e *ExchangeError) Unwrap() error {
	return ErrExchangeFailed
}

// ExchangeClient converts a valid identity token into short-lived storage
// credentials through the AssumeRoleWithWebIdentity federation call. It
// never retries - retry-on-expiry is a caller-level policy.
type ExchangeClient struct {
	endpoint string
	client   *http.Client
}

func NewExchangeClient(endpoint string, client *http.Client) *ExchangeClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ExchangeClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   client,
	}
}

// ExchangeToken issues the federation request and parses the XML response.
// The session name is audit metadata - no uniqueness is enforced here.
func (c *ExchangeClient) ExchangeToken(ctx context.Context, identityToken, roleArn, sessionName string, durationSeconds int) (*Credentials, error) {
	form := url.Values{}
	form.Set("Action", "AssumeRoleWithWebIdentity")
	form.Set("Version", stsVersion)
	form.Set("WebIdentityToken", identityToken)
	form.Set("RoleArn", roleArn)
	form.Set("RoleSessionName", sessionName)
	form.Set("DurationSeconds", strconv.Itoa(durationSeconds))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("unable to build federation request: %s, %w", err, ErrExchangeFailed)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("federation endpoint unreachable: %s, %w", err, ErrExchangeFailed)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read federation response: %s, %w", err, ErrExchangeFailed)
	}

	return parseAssumeRoleResponse(body, resp.StatusCode)
}

// parseAssumeRoleResponse extracts either the Credentials element or the
// Error element from the response document. An explicit error payload
// takes precedence over the HTTP status when both signal failure.
func parseAssumeRoleResponse(body []byte, status int) (*Credentials, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil || doc.Root() == nil {
		if status < 200 || status > 299 {
			return nil, &ExchangeError{StatusCode: status, Message: strings.TrimSpace(string(body))}
		}
		return nil, &ExchangeError{Message: "malformed response: not a well-formed XML document"}
	}

	if errEl := findElement(doc.Root(), "Error"); errEl != nil {
		return nil, &ExchangeError{
			Code:       childText(errEl, "Code"),
			Message:    childText(errEl, "Message"),
			StatusCode: status,
		}
	}

	if status < 200 || status > 299 {
		return nil, &ExchangeError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}

	credsEl := findElement(doc.Root(), "Credentials")
	if credsEl == nil {
		return nil, &ExchangeError{Message: "malformed response: no Credentials element"}
	}

	creds := &Credentials{
		AccessKey:    childText(credsEl, "AccessKeyId"),
		SecretKey:    childText(credsEl, "SecretAccessKey"),
		SessionToken: childText(credsEl, "SessionToken"),
		Expiration:   childText(credsEl, "Expiration"),
	}

	for field, val := range map[string]string{
		"AccessKeyId":     creds.AccessKey,
		"SecretAccessKey": creds.SecretKey,
		"SessionToken":    creds.SessionToken,
		"Expiration":      creds.Expiration,
	} {
		if val == "" {
			return nil, &ExchangeError{Message: fmt.Sprintf("malformed response: missing %s", field)}
		}
	}

	return creds, nil
}

// findElement returns the first descendant with the given local name,
// preferring one declared under the STS namespace over a bare match.
func findElement(root *etree.Element, tag string) *etree.Element {
	var fallback *etree.Element

	var walk func(el *etree.Element) *etree.Element
	walk = func(el *etree.Element) *etree.Element {
		if el.Tag == tag {
			if el.NamespaceURI() == stsNamespace {
				return el
			}
			if fallback == nil {
				fallback = el
			}
		}
		for _, ch := range el.ChildElements() {
			if found := walk(ch); found != nil {
				return found
			}
		}
		return nil
	}

	if qualified := walk(root); qualified != nil {
		return qualified
	}
	return fallback
}

// childText reads the text of a direct child element, qualified first,
// bare fallback. Text content is returned verbatim.
func childText(parent *etree.Element, tag string) string {
	var fallback *etree.Element
	for _, ch := range parent.ChildElements() {
		if ch.Tag != tag {
			continue
		}
		if ch.NamespaceURI() == stsNamespace {
			return ch.Text()
		}
		if fallback == nil {
			fallback = ch
		}
	}
	if fallback != nil {
		return fallback.Text()
	}
	return ""
}
