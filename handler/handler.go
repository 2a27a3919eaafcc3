package handler

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"scm-relay/internal/domain"
	"scm-relay/internal/usecase"
)

const (
	messagesPath      = "/api/messages"
	notifyPath        = "/api/notify"
	correlationHeader = "X-Correlation-Id"
	apiKeyHeader      = "x-api-key"
	maxBodyBytes      = 1 << 20
)

type ActivityHandler interface {
	HandleActivity(ctx context.Context, a domain.Activity) error
}

type JobNotifier interface {
	NotifyJob(ctx context.Context, in usecase.NotifyRequest) (usecase.Report, error)
}

// KeySource yields the shared key notify callers must present.
type KeySource interface {
	Get(ctx context.Context) (string, error)
}

type Handler struct {
	bot       ActivityHandler
	notifier  JobNotifier
	notifyKey KeySource
	logger    *slog.Logger
}

type notifyRequest struct {
	JobName string   `json:"job_name"`
	JobID   string   `json:"job_id"`
	UserIDs []string `json:"user_ids"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(bot ActivityHandler, notifier JobNotifier, notifyKey KeySource) (*Handler, error) {
	if bot == nil {
		return nil, errors.New("handler: activity handler must not be nil")
	}
	if notifier == nil {
		return nil, errors.New("handler: notifier must not be nil")
	}
	if notifyKey == nil {
		return nil, errors.New("handler: notify key source must not be nil")
	}
	return &Handler{bot: bot, notifier: notifier, notifyKey: notifyKey, logger: slog.Default()}, nil
}

// Handle routes an API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID, "method", req.HTTPMethod, "path", req.Path)

	var resp events.APIGatewayProxyResponse
	switch route(req.Path) {
	case messagesPath:
		switch req.HTTPMethod {
		case http.MethodOptions:
			resp = preflight()
		case http.MethodPost:
			resp = h.handleMessage(ctx, req, logger)
		default:
			resp = methodNotAllowed("POST, OPTIONS")
		}
	case notifyPath:
		if req.HTTPMethod != http.MethodPost {
			resp = methodNotAllowed("POST")
			break
		}
		resp = h.handleNotify(ctx, req, logger)
	default:
		resp = jsonResponse(http.StatusNotFound, errorResponse{Error: "NOT_FOUND"})
	}

	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = correlationID
	return resp, nil
}

func (h *Handler) handleMessage(ctx context.Context, req events.APIGatewayProxyRequest, logger *slog.Logger) events.APIGatewayProxyResponse {
	body, err := requestBody(req)
	if err != nil {
		return invalidBody(err, logger)
	}
	var activity domain.Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		return invalidBody(err, logger)
	}
	if err := h.bot.HandleActivity(ctx, activity); err != nil {
		return errorToResponse(err, logger)
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Headers: corsHeaders()}
}

func (h *Handler) handleNotify(ctx context.Context, req events.APIGatewayProxyRequest, logger *slog.Logger) events.APIGatewayProxyResponse {
	want, err := h.notifyKey.Get(ctx)
	if err != nil {
		logger.Error("notify key unavailable", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	got := header(req.Headers, apiKeyHeader)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		logger.Warn("notify rejected", "reason", "bad_api_key")
		return jsonResponse(http.StatusUnauthorized, errorResponse{Error: string(usecase.ErrorUnauthorized)})
	}

	body, err := requestBody(req)
	if err != nil {
		return invalidBody(err, logger)
	}
	var in notifyRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return invalidBody(err, logger)
	}
	report, err := h.notifier.NotifyJob(ctx, usecase.NotifyRequest{
		JobName: in.JobName,
		JobID:   in.JobID,
		UserIDs: in.UserIDs,
	})
	if err != nil {
		return errorToResponse(err, logger)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       report.Summary(),
	}
}

func errorToResponse(err error, logger *slog.Logger) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		logger.Error("unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	status := http.StatusInternalServerError
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		status = http.StatusUnauthorized
	}
	if status >= 500 {
		logger.Error("request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	} else {
		logger.Warn("request rejected", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	}
	return jsonResponse(status, errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason})
}

func invalidBody(err error, logger *slog.Logger) events.APIGatewayProxyResponse {
	logger.Warn("invalid request body", "err", err)
	return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	return base64.StdEncoding.DecodeString(req.Body)
}

func preflight() events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Headers: corsHeaders()}
}

func corsHeaders() map[string]string {
	return map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "POST, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type",
	}
}

func methodNotAllowed(allow string) events.APIGatewayProxyResponse {
	resp := jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"})
	resp.Headers["Allow"] = allow
	return resp
}

func jsonResponse(status int, body any) events.APIGatewayProxyResponse {
	buf, err := json.Marshal(body)
	if err != nil {
		buf = []byte(`{"error":"INTERNAL_ERROR"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(buf),
	}
}

// route strips a stage prefix such as /prod from the request path.
func route(path string) string {
	path = strings.TrimRight(path, "/")
	for _, p := range []string{messagesPath, notifyPath} {
		if strings.HasSuffix(path, p) {
			return p
		}
	}
	return path
}

// header looks a header up case-insensitively.
func header(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ServeHTTP serves the same routes over net/http for local runs.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	resp, err := h.Handle(r.Context(), events.APIGatewayProxyRequest{
		HTTPMethod: r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       string(body),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}
