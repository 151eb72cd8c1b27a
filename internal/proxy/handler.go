package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tp-checklist/offline-hub/internal/lifecycle"
	"github.com/tp-checklist/offline-hub/internal/logging"
	"github.com/tp-checklist/offline-hub/internal/server"
	"github.com/tp-checklist/offline-hub/internal/worker"
)

// Response headers describing how a request was served.
const (
	HeaderCache   = "X-Offline-Cache"
	HeaderVersion = "X-Offline-Version"
)

// Handler 把 Fiber 请求转换为 *http.Request，交给当前 Worker 处理；
// 未被拦截的请求原样透传到上游。
type Handler struct {
	host       *lifecycle.Host
	network    worker.Fetcher
	logger     *logrus.Logger
	listenPort int
}

// NewHandler constructs a proxy handler around the lifecycle host and the
// network primitive shared with the workers.
func NewHandler(host *lifecycle.Host, network worker.Fetcher, logger *logrus.Logger, listenPort int) (*Handler, error) {
	if host == nil {
		return nil, errors.New("lifecycle host is required")
	}
	if network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		host:       host,
		network:    network,
		logger:     logger,
		listenPort: listenPort,
	}, nil
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)

	defer func() {
		if r := recover(); r != nil {
			h.logResult(c, "", "", 0, requestID, started, fmt.Errorf("panic: %v", r))
			err = h.writeError(c, fiber.StatusInternalServerError, "proxy_panic")
		}
	}()

	req, buildErr := h.buildRequest(c)
	if buildErr != nil {
		h.logResult(c, h.activeVersion(), "", fiber.StatusBadRequest, requestID, started, buildErr)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request_target")
	}

	result, fetchErr := h.host.Fetch(req.Context(), req)
	switch {
	case fetchErr == nil:
		outcome := worker.OutcomeMiss
		if result.Source == worker.SourceCache {
			outcome = worker.OutcomeHit
		}
		resp := result.Response.ToHTTP(req)
		writeErr := h.writeResponse(c, resp, outcome, result.Version)
		h.logResult(c, result.Version, outcome, resp.StatusCode, requestID, started, writeErr)
		return writeErr
	case errors.Is(fetchErr, worker.ErrNotIntercepted):
		return h.passthrough(c, req, requestID, started)
	case errors.Is(fetchErr, worker.ErrUnavailable):
		h.logResult(c, h.activeVersion(), worker.OutcomeUnavailable, fiber.StatusGatewayTimeout, requestID, started, fetchErr)
		return h.writeError(c, fiber.StatusGatewayTimeout, "offline_unavailable")
	default:
		h.logResult(c, h.activeVersion(), "error", fiber.StatusInternalServerError, requestID, started, fetchErr)
		return h.writeError(c, fiber.StatusInternalServerError, "proxy_failed")
	}
}

// passthrough 透传未被拦截的请求，正文直接流式写回客户端。
func (h *Handler) passthrough(c fiber.Ctx, req *http.Request, requestID string, started time.Time) error {
	version := h.activeVersion()
	resp, err := h.network.Fetch(req.Context(), req)
	if err != nil {
		h.logResult(c, version, worker.OutcomeBypass, fiber.StatusBadGateway, requestID, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	err = h.writeResponse(c, resp, worker.OutcomeBypass, version)
	h.logResult(c, version, worker.OutcomeBypass, resp.StatusCode, requestID, started, err)
	return err
}

// writeResponse 写出状态码、端到端头部与正文，并附带 X-Offline-* 头。
func (h *Handler) writeResponse(c fiber.Ctx, resp *http.Response, outcome, version string) error {
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderCache, outcome)
	if version != "" {
		c.Set(HeaderVersion, version)
	}
	c.Status(resp.StatusCode)

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	return err
}

// buildRequest 生成同源相对请求。URL 取自客户端发送的原始请求目标，
// 百分号编码原样保留；正文会被复制，避免 fasthttp 复用缓冲区。
func (h *Handler) buildRequest(c fiber.Ctx) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	target, err := requestTarget(c.OriginalURL())
	if err != nil {
		return nil, err
	}

	payload := append([]byte(nil), c.Body()...)
	var body io.Reader = http.NoBody
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), "/", body)
	if err != nil {
		return nil, err
	}
	req.URL = target
	req.ContentLength = int64(len(payload))
	req.Host = c.Hostname()

	c.Request().Header.VisitAll(func(key, value []byte) {
		req.Header.Add(string(key), string(value))
	})
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", strconv.Itoa(h.listenPort))
	return req, nil
}

// requestTarget 解析原始请求目标（origin-form 或 absolute-form），只保留路径与查询串。
func requestTarget(raw string) (*url.URL, error) {
	if raw == "" {
		raw = "/"
	}
	parsed, err := url.ParseRequestURI(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid request target %q: %w", raw, err)
	}
	target := &url.URL{
		Path:     parsed.Path,
		RawPath:  parsed.RawPath,
		RawQuery: parsed.RawQuery,
	}
	if target.Path == "" {
		target.Path = "/"
	}
	return target, nil
}

func (h *Handler) activeVersion() string {
	if w := h.host.Active(); w != nil {
		return w.Version()
	}
	return ""
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	version string,
	outcome string,
	status int,
	requestID string,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(version, c.Method(), string(c.Request().URI().Path()), outcome)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// copyResponseHeaders 复制端到端响应头；Content-Length 由 Fiber 根据正文重新计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
