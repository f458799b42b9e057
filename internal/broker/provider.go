package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultProviderAPIBase is the Clef API root used when none is configured.
const DefaultProviderAPIBase = "https://clef.io/api/v1"

const providerResponseLimit = 1 << 20

var errNonIntegralExternalID = errors.New("provider.external_id.non_integral")

var (
	// ErrInvalidCode indicates the authorization code was invalid or expired.
	ErrInvalidCode = errors.New("provider.invalid_code")
	// ErrInvalidAppID indicates the provider did not recognise the application id.
	ErrInvalidAppID = errors.New("provider.invalid_app_id")
	// ErrInvalidAppSecret indicates the provider rejected the application secret.
	ErrInvalidAppSecret = errors.New("provider.invalid_app_secret")
	// ErrProviderRejected indicates the provider answered success=false with any other message.
	ErrProviderRejected = errors.New("provider.rejected")
	// ErrProviderUnavailable indicates a transport or decoding failure talking to the provider.
	ErrProviderUnavailable = errors.New("provider.unavailable")
)

// ProviderError carries the provider's own error message for a failed call.
type ProviderError struct {
	Operation string
	Message   string
	kind      error
}

func (providerError *ProviderError) Error() string {
	return fmt.Sprintf("provider.%s: %s", providerError.Operation, providerError.Message)
}

func (providerError *ProviderError) Unwrap() error {
	return providerError.kind
}

// Identity is the provider's view of the signed-in user.
type Identity struct {
	ExternalID string
	Email      string
}

// IdentityProvider performs the remote calls of the login and logout flows.
type IdentityProvider interface {
	ExchangeCode(ctx context.Context, code string) (accessToken string, err error)
	FetchIdentity(ctx context.Context, accessToken string) (Identity, error)
	VerifyLogout(ctx context.Context, logoutToken string) (externalID string, err error)
}

// ExternalID decodes a provider identifier given as either a JSON number or a JSON string.
type ExternalID string

// UnmarshalJSON accepts 42, 42.0, "42", and null; numbers are written in integer form.
func (externalID *ExternalID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*externalID = ""
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*externalID = ExternalID(strings.TrimSpace(text))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("provider.external_id: %w", err)
	}
	value, ok := new(big.Rat).SetString(number.String())
	if !ok || !value.IsInt() {
		return fmt.Errorf("provider.external_id: %w: %s", errNonIntegralExternalID, number.String())
	}
	*externalID = ExternalID(value.Num().String())
	return nil
}

type providerEnvelope struct {
	Success     bool       `json:"success"`
	Error       string     `json:"error"`
	AccessToken string     `json:"access_token"`
	ClefID      ExternalID `json:"clef_id"`
	Info        struct {
		ID    ExternalID `json:"id"`
		Email string     `json:"email"`
	} `json:"info"`
}

// HTTPProviderConfig configures HTTPProvider.
type HTTPProviderConfig struct {
	APIBase   string
	AppID     string
	AppSecret string
	Timeout   time.Duration
	Client    *http.Client
}

// HTTPProvider talks to the Clef REST API.
type HTTPProvider struct {
	apiBase   string
	appID     string
	appSecret string
	client    *http.Client
}

// NewHTTPProvider constructs an HTTPProvider, defaulting the API base and client.
func NewHTTPProvider(configuration HTTPProviderConfig) *HTTPProvider {
	apiBase := strings.TrimRight(strings.TrimSpace(configuration.APIBase), "/")
	if apiBase == "" {
		apiBase = DefaultProviderAPIBase
	}
	client := configuration.Client
	if client == nil {
		timeout := configuration.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPProvider{
		apiBase:   apiBase,
		appID:     configuration.AppID,
		appSecret: configuration.AppSecret,
		client:    client,
	}
}

// ExchangeCode trades an authorization code for an access token.
func (provider *HTTPProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	envelope, err := provider.postForm(ctx, "authorize", url.Values{
		"code":       {code},
		"app_id":     {provider.appID},
		"app_secret": {provider.appSecret},
	})
	if err != nil {
		return "", err
	}
	if !envelope.Success {
		return "", &ProviderError{Operation: "authorize", Message: envelope.Error, kind: classifyAuthorizeError(envelope.Error)}
	}
	if strings.TrimSpace(envelope.AccessToken) == "" {
		return "", &ProviderError{Operation: "authorize", Message: "empty access token", kind: ErrProviderUnavailable}
	}
	return envelope.AccessToken, nil
}

// FetchIdentity returns the identity bound to accessToken.
func (provider *HTTPProvider) FetchIdentity(ctx context.Context, accessToken string) (Identity, error) {
	endpoint := provider.apiBase + "/info?" + url.Values{"access_token": {accessToken}}.Encode()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Identity{}, transportFailure("info", err)
	}
	envelope, err := provider.do(request, "info")
	if err != nil {
		return Identity{}, err
	}
	if !envelope.Success {
		return Identity{}, &ProviderError{Operation: "info", Message: envelope.Error, kind: ErrProviderRejected}
	}
	if envelope.Info.ID == "" {
		return Identity{}, &ProviderError{Operation: "info", Message: "identity has no id", kind: ErrProviderUnavailable}
	}
	return Identity{
		ExternalID: string(envelope.Info.ID),
		Email:      envelope.Info.Email,
	}, nil
}

// VerifyLogout confirms a logout token and returns the affected external id.
func (provider *HTTPProvider) VerifyLogout(ctx context.Context, logoutToken string) (string, error) {
	envelope, err := provider.postForm(ctx, "logout", url.Values{
		"logout_token": {logoutToken},
		"app_id":       {provider.appID},
		"app_secret":   {provider.appSecret},
	})
	if err != nil {
		return "", err
	}
	if !envelope.Success {
		return "", &ProviderError{Operation: "logout", Message: envelope.Error, kind: ErrProviderRejected}
	}
	if envelope.ClefID == "" {
		return "", &ProviderError{Operation: "logout", Message: "logout has no clef_id", kind: ErrProviderUnavailable}
	}
	return string(envelope.ClefID), nil
}

func (provider *HTTPProvider) postForm(ctx context.Context, operation string, form url.Values) (providerEnvelope, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.apiBase+"/"+operation, strings.NewReader(form.Encode()))
	if err != nil {
		return providerEnvelope{}, transportFailure(operation, err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return provider.do(request, operation)
}

// do decodes the envelope regardless of status; Clef reports failures in the body.
func (provider *HTTPProvider) do(request *http.Request, operation string) (providerEnvelope, error) {
	request.Header.Set("Accept", "application/json")
	response, err := provider.client.Do(request)
	if err != nil {
		return providerEnvelope{}, transportFailure(operation, err)
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, providerResponseLimit))
	if readErr != nil {
		return providerEnvelope{}, transportFailure(operation, readErr)
	}
	var envelope providerEnvelope
	if decodeErr := json.Unmarshal(body, &envelope); decodeErr != nil {
		return providerEnvelope{}, &ProviderError{
			Operation: operation,
			Message:   fmt.Sprintf("unexpected response (status %d)", response.StatusCode),
			kind:      ErrProviderUnavailable,
		}
	}
	if !envelope.Success && strings.TrimSpace(envelope.Error) == "" {
		envelope.Error = fmt.Sprintf("request failed (status %d)", response.StatusCode)
	}
	return envelope, nil
}

// transportFailure drops the request URL from err; the info query carries the access token.
func transportFailure(operation string, err error) *ProviderError {
	message := err.Error()
	var urlError *url.Error
	if errors.As(err, &urlError) {
		message = urlError.Op
		if urlError.Err != nil {
			message = fmt.Sprintf("%s: %s", urlError.Op, urlError.Err.Error())
		}
	}
	return &ProviderError{Operation: operation, Message: message, kind: ErrProviderUnavailable}
}

func classifyAuthorizeError(message string) error {
	normalized := strings.ToLower(strings.TrimSpace(message))
	switch {
	case strings.Contains(normalized, "oauth code"), strings.Contains(normalized, "invalid code"):
		return ErrInvalidCode
	case strings.Contains(normalized, "app id"):
		return ErrInvalidAppID
	case strings.Contains(normalized, "app secret"):
		return ErrInvalidAppSecret
	default:
		return ErrProviderRejected
	}
}
