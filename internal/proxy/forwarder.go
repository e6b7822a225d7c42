package proxy

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/erg-pwa/erg-cache/internal/policy"
	"github.com/erg-pwa/erg-cache/internal/server"
)

// Intercepted 是一次已归类的拦截请求。
type Intercepted struct {
	Class     policy.Class
	Request   *http.Request
	RequestID string
	Started   time.Time
}

// ClassHandler 负责响应某一类别的请求。
type ClassHandler interface {
	Serve(fiber.Ctx, *Intercepted) error
}

// ClassHandlerFunc adapts a function to the ClassHandler interface.
type ClassHandlerFunc func(fiber.Ctx, *Intercepted) error

// Serve makes ClassHandlerFunc satisfy ClassHandler.
func (f ClassHandlerFunc) Serve(c fiber.Ctx, in *Intercepted) error {
	return f(c, in)
}

// Controller 提供归类规则与接管状态，*manager.Manager 满足该接口。
type Controller interface {
	Rules() policy.Rules
	Controlling() bool
}

// Forwarder 将请求还原为绝对 URL、完成归类，并按类别分派给 ClassHandler。
// 未 claim 之前所有请求一律按 passthrough 处理。
type Forwarder struct {
	controller     Controller
	defaultHandler ClassHandler
	logger         *logrus.Logger

	mu       sync.RWMutex
	handlers map[policy.Class]ClassHandler
}

// NewForwarder 创建 Forwarder，defaultHandler 处理未单独注册的类别。
func NewForwarder(controller Controller, defaultHandler ClassHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		controller:     controller,
		defaultHandler: defaultHandler,
		logger:         logger,
		handlers:       make(map[policy.Class]ClassHandler),
	}
}

// Register 为某一类别覆盖默认 handler。
func (f *Forwarder) Register(class policy.Class, handler ClassHandler) {
	f.mu.Lock()
	f.handlers[class] = handler
	f.mu.Unlock()
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	rules := f.controller.Rules()
	req, err := buildInterceptedRequest(c, rules.Origin())
	if err != nil {
		f.logForwardError(policy.ClassPassthrough, "bad_request", err, requestID)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request"})
	}

	class := policy.ClassPassthrough
	if f.controller.Controlling() {
		class = policy.Classify(req.URL, rules)
	}

	in := &Intercepted{Class: class, Request: req, RequestID: requestID, Started: started}
	handler := f.lookup(class)
	if handler == nil {
		return f.respondMissingHandler(c, in)
	}
	return f.invokeHandler(c, handler, in)
}

func (f *Forwarder) lookup(class policy.Class) ClassHandler {
	f.mu.RLock()
	handler, ok := f.handlers[class]
	f.mu.RUnlock()
	if ok && handler != nil {
		return handler
	}
	return f.defaultHandler
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, in *Intercepted) error {
	f.logForwardError(in.Class, "class_handler_missing", nil, in.RequestID)
	setRequestIDHeader(c, in.RequestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "class_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, handler ClassHandler, in *Intercepted) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, in, r)
		}
	}()
	return handler.Serve(c, in)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, in *Intercepted, recovered interface{}) error {
	f.logForwardError(in.Class, "class_handler_panic", fmt.Errorf("panic: %v", recovered), in.RequestID)
	setRequestIDHeader(c, in.RequestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "class_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logForwardError(class policy.Class, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "intercept",
		"class":  string(class),
		"error":  code,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("class handler unavailable")
}
