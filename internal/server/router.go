package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AppOptions 控制网关 Fiber 应用的行为。
type AppOptions struct {
	Logger  *logrus.Logger
	Gateway *Gateway
}

const contextKeyRequestID = "_flow_request_id"

// NewApp 构建 Fiber 应用：/-/ 前缀留给控制接口，其余请求全部作为 fetch 事件交给 Gateway。
// 控制接口需要在返回的 app 上继续注册（见 routes 包）。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("gateway is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isControlPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Gateway.Handle(c)
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，写入 Locals 与响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// WriteError 以统一的 {"error": code} 结构返回错误。
func WriteError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func isControlPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
