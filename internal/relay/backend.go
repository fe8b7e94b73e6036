package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tambula/esp-listener/internal/config"
)

// ErrBackendStatus is returned when the backend answers with a non-200 status
var ErrBackendStatus = errors.New("unexpected backend status")

// maxBodySize bounds how much of a backend reply is read
const maxBodySize = 1 << 20

// Backend talks to the questionnaire backend
type Backend struct {
	answerURL  string
	motherURL  string
	httpClient *http.Client
}

// NewBackend 创建后端客户端
func NewBackend(cfg config.BackendConfig) *Backend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Backend{
		answerURL: cfg.AnswerURL,
		motherURL: cfg.MotherURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// AnswerURL returns the answer endpoint, with the device id as a query
// parameter when one is given
func (b *Backend) AnswerURL(deviceID string) string {
	if deviceID == "" {
		return b.answerURL
	}
	u, err := url.Parse(b.answerURL)
	if err != nil {
		return b.answerURL + "?deviceId=" + url.QueryEscape(deviceID)
	}
	q := u.Query()
	q.Set("deviceId", deviceID)
	u.RawQuery = q.Encode()
	return u.String()
}

// PostAnswer forwards one answer payload and returns the decoded reply
func (b *Backend) PostAnswer(ctx context.Context, deviceID string, payload map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal answer: %w", err)
	}

	status, data, err := b.post(ctx, b.AnswerURL(deviceID), body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w %d: %s", ErrBackendStatus, status, truncate(data, 200))
	}

	reply, err := decodeReply(data)
	if err != nil {
		return nil, fmt.Errorf("decode answer reply: %w", err)
	}
	return reply, nil
}

// FetchSession asks the backend for the session id assigned to motherID
func (b *Backend) FetchSession(ctx context.Context, motherID int) (string, error) {
	if b.motherURL == "" {
		return "", errors.New("mother url not configured")
	}

	u, err := url.Parse(b.motherURL)
	if err != nil {
		return "", fmt.Errorf("parse mother url: %w", err)
	}
	q := u.Query()
	q.Set("motherId", strconv.Itoa(motherID))
	u.RawQuery = q.Encode()

	_, data, err := b.post(ctx, u.String(), nil)
	if err != nil {
		return "", err
	}

	reply, err := decodeReply(data)
	if err != nil {
		return "", fmt.Errorf("decode session reply: %w", err)
	}

	if code, ok := reply["code"]; !ok || fmt.Sprint(code) != "200" {
		return "", fmt.Errorf("%w: %s", ErrBackendStatus, truncate(data, 200))
	}

	sessionID, ok := reply["sessionId"]
	if !ok || sessionID == nil {
		return "", errors.New("session reply has no sessionId")
	}
	return fmt.Sprint(sessionID), nil
}

func (b *Backend) post(ctx context.Context, target string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("post %s: %w", target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func decodeReply(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var reply map[string]interface{}
	if err := dec.Decode(&reply); err != nil {
		return nil, err
	}
	if reply == nil {
		reply = map[string]interface{}{}
	}
	return reply, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
