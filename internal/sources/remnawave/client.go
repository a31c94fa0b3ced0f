// Package remnawave - HTTP клиент панели Remnawave: выгрузка пользователей
// с накопительным трафиком, суточная статистика и справочник нод.
package remnawave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"trafficmon/internal/monitor"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultRetries  = 2
	maxErrorBody    = 512
	statsDateLayout = "2006-01-02"
)

var errEmptyBaseURL = errors.New("remnawave: base url is required")

// StatusError - ответ панели с кодом не 2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remnawave: http %d: %s", e.Code, e.Body)
}

func (e *StatusError) temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client реализует monitor.UsageSource и monitor.NodeDirectory.
type Client struct {
	base     *url.URL
	token    string
	http     *http.Client
	retries  uint64
	interval time.Duration
	log      *slog.Logger
}

var (
	_ monitor.UsageSource   = (*Client)(nil)
	_ monitor.NodeDirectory = (*Client)(nil)
)

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry задает число повторов после первой попытки и начальную паузу
// между ними.
func WithRetry(retries uint64, initial time.Duration) Option {
	return func(c *Client) {
		c.retries = retries
		c.interval = initial
	}
}

// WithLogger задает логгер.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New создает клиент панели с bearer-токеном.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errEmptyBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("remnawave: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remnawave: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		base:     u,
		token:    token,
		http:     &http.Client{Timeout: defaultTimeout},
		retries:  defaultRetries,
		interval: 500 * time.Millisecond,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type envelope[T any] struct {
	Response T `json:"response"`
}

type userTraffic struct {
	UsedTrafficBytes      json.Number `json:"usedTrafficBytes"`
	LastConnectedNodeUUID *string     `json:"lastConnectedNodeUuid"`
}

type user struct {
	UUID        string       `json:"uuid"`
	Username    string       `json:"username"`
	TelegramID  *int64       `json:"telegramId"`
	UserTraffic *userTraffic `json:"userTraffic"`
	// старые версии панели отдают счетчик на верхнем уровне
	UsedTrafficBytes json.Number `json:"usedTrafficBytes"`
}

type usersPage struct {
	Users []user `json:"users"`
	Total int    `json:"total"`
}

// ListAccounts возвращает страницу пользователей начиная с offset.
// Пользователи без счетчика трафика (или с нечитаемым счетчиком) в
// страницу не попадают: нулевая база дала бы ложный прирост потом.
func (c *Client) ListAccounts(ctx context.Context, offset, limit int) ([]monitor.AccountUsage, error) {
	q := url.Values{}
	q.Set("start", strconv.Itoa(offset))
	q.Set("size", strconv.Itoa(limit))

	var page envelope[usersPage]
	if err := c.get(ctx, "/api/users", q, &page); err != nil {
		return nil, fmt.Errorf("list users at %d: %w", offset, err)
	}

	out := make([]monitor.AccountUsage, 0, len(page.Response.Users))
	for _, u := range page.Response.Users {
		acc := monitor.AccountUsage{AccountID: u.UUID, Username: u.Username}
		if u.TelegramID != nil {
			acc.ExternalID = strconv.FormatInt(*u.TelegramID, 10)
		}
		used := u.UsedTrafficBytes
		if u.UserTraffic != nil {
			if u.UserTraffic.UsedTrafficBytes != "" {
				used = u.UserTraffic.UsedTrafficBytes
			}
			if u.UserTraffic.LastConnectedNodeUUID != nil {
				acc.LastNodeID = *u.UserTraffic.LastConnectedNodeUUID
			}
		}
		n, ok := parseBytes(used)
		if !ok {
			c.log.Debug("user without traffic counter skipped", "account", u.UUID, "raw", string(used))
			continue
		}
		acc.UsedBytes = n
		out = append(out, acc)
	}
	return out, nil
}

type bandwidthItem struct {
	Total json.Number `json:"total"`
}

// AggregateUsage суммирует трафик пользователя по нодам за период.
// Панель принимает только даты, поэтому окно округляется до суток.
func (c *Client) AggregateUsage(ctx context.Context, accountID string, from, to time.Time) (uint64, error) {
	q := url.Values{}
	q.Set("start", from.UTC().Format(statsDateLayout))
	q.Set("end", to.UTC().Format(statsDateLayout))

	var raw envelope[json.RawMessage]
	if err := c.get(ctx, "/api/bandwidth-stats/users/"+url.PathEscape(accountID), q, &raw); err != nil {
		return 0, fmt.Errorf("bandwidth stats for %s: %w", accountID, err)
	}
	return sumBandwidth(raw.Response)
}

func sumBandwidth(data json.RawMessage) (uint64, error) {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "" || trimmed == "null":
		return 0, nil
	case strings.HasPrefix(trimmed, "["):
		var items []bandwidthItem
		if err := json.Unmarshal(data, &items); err != nil {
			return 0, fmt.Errorf("decode bandwidth list: %w", err)
		}
		var total uint64
		for _, it := range items {
			v, _ := parseBytes(it.Total)
			total += v
		}
		return total, nil
	default:
		var it bandwidthItem
		if err := json.Unmarshal(data, &it); err != nil {
			return 0, fmt.Errorf("decode bandwidth object: %w", err)
		}
		v, _ := parseBytes(it.Total)
		return v, nil
	}
}

type node struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// NodeNames возвращает названия нод по uuid.
func (c *Client) NodeNames(ctx context.Context) (map[string]string, error) {
	var resp envelope[[]node]
	if err := c.get(ctx, "/api/nodes", nil, &resp); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	names := make(map[string]string, len(resp.Response))
	for _, n := range resp.Response {
		if n.UUID != "" && n.Name != "" {
			names[n.UUID] = n.Name
		}
	}
	return names, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	endpoint := c.base.JoinPath(path)
	if q != nil {
		endpoint.RawQuery = q.Encode()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.interval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, c.retries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := c.do(ctx, endpoint.String(), out)
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.temporary() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		c.log.Debug("remnawave request failed, retrying", "path", path, "attempt", attempt, "err", err)
		return err
	}
	return backoff.Retry(op, policy)
}

func (c *Client) do(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// parseBytes читает счетчик байт; ok == false, если значения нет или
// оно не число.
func parseBytes(n json.Number) (uint64, bool) {
	if n == "" {
		return 0, false
	}
	if v, err := strconv.ParseUint(string(n), 10, 64); err == nil {
		return v, true
	}
	if f, err := n.Float64(); err == nil && f >= 0 {
		return uint64(f), true
	}
	return 0, false
}
