package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

const (
	defaultRequestTimeout = 10 * time.Second
	// sessionSlack — запас до истечения токена, после которого сессия
	// считается мёртвой, чтобы не отправлять заведомо просроченный запрос.
	sessionSlack = 30 * time.Second
)

// rpcNames сопоставляет тип мутации имени удалённой процедуры.
var rpcNames = map[domain.MutationKind]string{
	domain.KindCreateOrder: "create_order",
}

// Client вызывает именованные удалённые процедуры backend'а поверх HTTP
// и отслеживает живость аутентифицированной сессии. Реализует
// domain.RemoteApplier и domain.SessionSource.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *log.Entry

	mu           sync.RWMutex
	accessToken  string
	tokenExpires time.Time
}

// NewClient создаёт RPC-клиент. baseURL — корень backend'а без завершающего
// слэша, apiKey — публичный ключ проекта.
func NewClient(baseURL, apiKey string, logger *log.Entry) *Client {
	if logger == nil {
		logger = log.WithField("component", "rpc-client")
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		logger:  logger,
	}
}

// SetSession обновляет токен доступа после логина или refresh.
func (c *Client) SetSession(accessToken string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = accessToken
	c.tokenExpires = expiresAt
}

// ClearSession сбрасывает сессию (logout).
func (c *Client) ClearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = ""
	c.tokenExpires = time.Time{}
}

// LiveSession возвращает nil при живой сессии, иначе domain.ErrNoSession.
func (c *Client) LiveSession(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.accessToken == "" {
		return domain.ErrNoSession
	}
	if !c.tokenExpires.IsZero() && time.Until(c.tokenExpires) < sessionSlack {
		return fmt.Errorf("access token expired: %w", domain.ErrNoSession)
	}
	return nil
}

// Apply доставляет мутацию вызовом соответствующей удалённой процедуры
// и возвращает идентификатор созданной сущности.
func (c *Client) Apply(ctx context.Context, m domain.QueuedMutation) (string, error) {
	name, ok := rpcNames[m.Kind]
	if !ok {
		return "", fmt.Errorf("mutation %s: %w", m.ID, domain.ErrUnknownMutationKind)
	}
	return c.callRPC(ctx, name, m.Payload)
}

// rpcError — структурная ошибка удалённой процедуры.
type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) callRPC(ctx context.Context, name string, args any) (string, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode rpc args: %w", err)
	}

	url := fmt.Sprintf("%s/rest/v1/rpc/%s", c.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call rpc %s: %w: %v", name, domain.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read rpc %s response: %w: %v", name, domain.ErrRemoteUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decodeEntityID(raw), nil
	case resp.StatusCode == http.StatusUnauthorized:
		// Протухшая сессия — состояние "не готов", а не ошибка доставки.
		return "", fmt.Errorf("rpc %s: %w", name, domain.ErrNoSession)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("rpc %s: status %d: %w", name, resp.StatusCode, domain.ErrRemoteUnavailable)
	default:
		var rpcErr rpcError
		if err := json.Unmarshal(raw, &rpcErr); err != nil || rpcErr.Message == "" {
			rpcErr = rpcError{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: string(raw)}
		}
		c.logger.WithFields(log.Fields{
			"rpc":    name,
			"status": resp.StatusCode,
			"code":   rpcErr.Code,
		}).Warn("rpc rejected the mutation")
		return "", &domain.RejectionError{Code: rpcErr.Code, Message: rpcErr.Message}
	}
}

// decodeEntityID извлекает идентификатор созданной сущности из ответа
// процедуры: либо голая JSON-строка, либо объект с полем id.
func decodeEntityID(raw []byte) string {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

var (
	_ domain.RemoteApplier = (*Client)(nil)
	_ domain.SessionSource = (*Client)(nil)
)
