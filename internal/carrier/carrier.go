// Package carrier provides optional REST integrations with the telephony
// carrier: a number lookup API for caller-name enrichment and an SMS API
// for post-call notifications. Both are disabled when their base URL is
// empty, so the gateway runs fine without carrier credentials.
package carrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/voxgate/voxgate/internal/config"
)

// ErrDisabled is returned by clients whose base URL is not configured.
var ErrDisabled = errors.New("carrier: integration disabled")

const requestTimeout = 5 * time.Second

// LookupClient queries the carrier number lookup API for caller name
// (CNAM) data. The API follows the common carrier shape: GET
// {base}/PhoneNumbers/{number}?Type=caller-name with HTTP Basic Auth.
type LookupClient struct {
	http    *resty.Client
	enabled bool
	logger  *slog.Logger
}

// lookupResponse mirrors the carrier lookup payload. Only the fields we
// read are declared.
type lookupResponse struct {
	PhoneNumber string `json:"phone_number"`
	CallerName  struct {
		CallerName string `json:"caller_name"`
		CallerType string `json:"caller_type"`
	} `json:"caller_name"`
}

// NewLookupClient builds a lookup client from config. An empty
// LookupBaseURL yields a disabled client whose Lookup returns ErrDisabled.
func NewLookupClient(cfg *config.Config, logger *slog.Logger) *LookupClient {
	c := &LookupClient{
		enabled: cfg.LookupBaseURL != "",
		logger:  logger.With("subsystem", "carrier"),
	}
	if !c.enabled {
		return c
	}
	c.http = resty.New().
		SetBaseURL(cfg.LookupBaseURL).
		SetBasicAuth(cfg.LookupAccountSID, cfg.LookupAuthToken).
		SetTimeout(requestTimeout)
	return c
}

// Enabled reports whether the lookup API is configured.
func (c *LookupClient) Enabled() bool { return c.enabled }

// Lookup returns the registered caller name for number, or "" when the
// carrier has none on file. Callers treat errors as non-fatal: a failed
// lookup only means the call proceeds without a name.
func (c *LookupClient) Lookup(ctx context.Context, number string) (string, error) {
	if !c.enabled {
		return "", ErrDisabled
	}
	if number == "" {
		return "", fmt.Errorf("carrier: empty number")
	}

	var body lookupResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("Type", "caller-name").
		SetResult(&body).
		Get("/PhoneNumbers/" + url.PathEscape(number))
	if err != nil {
		return "", fmt.Errorf("carrier: lookup request: %w", err)
	}
	if res.IsError() {
		return "", fmt.Errorf("carrier: lookup returned %s", res.Status())
	}

	name := body.CallerName.CallerName
	c.logger.Debug("number lookup", "number", number, "caller_name", name)
	return name, nil
}

// SMSClient sends text messages through the carrier SMS API:
// POST {base}/Accounts/{account}/Messages with form-encoded From/To/Body
// and HTTP Basic Auth.
type SMSClient struct {
	http    *resty.Client
	account string
	enabled bool
	logger  *slog.Logger
}

// NewSMSClient builds an SMS client from config. An empty SMSBaseURL
// yields a disabled client whose Send returns ErrDisabled.
func NewSMSClient(cfg *config.Config, logger *slog.Logger) *SMSClient {
	c := &SMSClient{
		account: cfg.SMSAccount,
		enabled: cfg.SMSBaseURL != "",
		logger:  logger.With("subsystem", "carrier"),
	}
	if !c.enabled {
		return c
	}
	c.http = resty.New().
		SetBaseURL(cfg.SMSBaseURL).
		SetBasicAuth(cfg.SMSUsername, cfg.SMSPassword).
		SetTimeout(requestTimeout)
	return c
}

// Enabled reports whether the SMS API is configured.
func (c *SMSClient) Enabled() bool { return c.enabled }

// Send submits a text message. from and to are E.164 numbers.
func (c *SMSClient) Send(ctx context.Context, from, to, body string) error {
	if !c.enabled {
		return ErrDisabled
	}
	if to == "" {
		return fmt.Errorf("carrier: empty destination number")
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"From": from,
			"To":   to,
			"Body": body,
		}).
		Post("/Accounts/" + url.PathEscape(c.account) + "/Messages")
	if err != nil {
		return fmt.Errorf("carrier: sms request: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("carrier: sms send returned %s", res.Status())
	}

	c.logger.Info("sms sent", "to", to)
	return nil
}
