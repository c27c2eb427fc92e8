package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"visionbatch/internal/batch"
	"visionbatch/internal/domain"
	"visionbatch/internal/infra"
	"visionbatch/internal/middleware"
)

// BatchRunner is the part of batch.Processor the API drives.
type BatchRunner interface {
	CreateBatch(ctx context.Context, in batch.CreateBatchInput) (*domain.Batch, error)
	Dispatch(ctx context.Context, batchID string)
	Go(fn func())
	CancelItem(ctx context.Context, batchID, itemID string) (bool, error)
	ResumeItem(ctx context.Context, batchID, itemID string) (bool, error)
	ReprocessItem(ctx context.Context, batchID, itemID string) (bool, error)
	ResubmitItem(ctx context.Context, batchID, itemID string) (bool, error)
	ResumeFailedItems(ctx context.Context, batchID string) (int, error)
}

// UserService reads and administers accounts.
type UserService interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	SetCredits(ctx context.Context, userID string, credits int) (*domain.User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]domain.User, error)
}

// TaskURLs resolves download links on the remote service.
type TaskURLs interface {
	ResultURL(ctx context.Context, taskID, name string) (string, error)
	InputURL(ctx context.Context, taskID, name, filename string) (string, error)
}

// TokenStore persists the remote service access token.
type TokenStore interface {
	SetLightX2VToken(ctx context.Context, token, updatedBy string) error
}

// TokenSink receives a rotated token at runtime.
type TokenSink interface {
	UpdateToken(token string)
}

type App struct {
	Config    *infra.Config
	Logger    infra.Logger
	Batches   domain.BatchRepository
	Users     UserService
	Runner    BatchRunner
	Remote    TaskURLs
	Tokens    TokenStore
	TokenSink TokenSink
	HTTP      *http.Client
	Validate  *validator.Validate

	// BaseCtx outlives requests; background batch work runs under it.
	BaseCtx context.Context
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (a *App) error(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	body := errorBody{Error: code, Message: message}
	if localized := localizeError(middleware.LocaleFromContext(r.Context()), code); localized != "" {
		body.Message = localized
		body.Detail = message
	}
	a.json(w, status, body)
}

// fail maps domain errors onto HTTP responses.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		a.error(w, r, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, r, http.StatusPaymentRequired, "insufficient_credits", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		a.error(w, r, http.StatusForbidden, "forbidden", "not allowed")
	case errors.Is(err, domain.ErrTerminalItem), errors.Is(err, domain.ErrInvalidTransition):
		a.error(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		a.error(w, r, http.StatusServiceUnavailable, "unavailable", "request cancelled")
	default:
		a.Logger.Error().Err(err).Str("request_id", middleware.RequestIDFromContext(r.Context())).Msg("request failed")
		a.error(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

func (a *App) isAdmin(r *http.Request) bool {
	return middleware.RoleFromContext(r.Context()) == domain.UserRoleAdmin
}

// background returns the context for work that continues after the
// response has been written.
func (a *App) background() context.Context {
	if a.BaseCtx != nil {
		return a.BaseCtx
	}
	return context.Background()
}

var defaultValidate = validator.New(validator.WithRequiredStructEnabled())

func (a *App) validate() *validator.Validate {
	if a.Validate != nil {
		return a.Validate
	}
	return defaultValidate
}

func (a *App) httpClient() *http.Client {
	if a.HTTP != nil {
		return a.HTTP
	}
	return &http.Client{Timeout: 10 * time.Minute}
}

// decodeJSON decodes and validates a request body.
func (a *App) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := a.validate().Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

var errorMessagesZH = map[string]string{
	"not_found":            "资源不存在",
	"bad_request":          "请求参数无效",
	"insufficient_credits": "积分不足",
	"forbidden":            "无权访问",
	"conflict":             "当前状态不允许该操作",
	"unauthorized":         "未登录",
	"not_ready":            "视频尚未生成完成",
	"upstream":             "视频服务暂时不可用",
	"internal":             "服务器内部错误",
}

func localizeError(locale, code string) string {
	if locale != middleware.LocaleChinese {
		return ""
	}
	return errorMessagesZH[code]
}
