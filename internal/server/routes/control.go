package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/flow-music/flow-worker/internal/host"
	"github.com/flow-music/flow-worker/internal/lifecycle"
	"github.com/flow-music/flow-worker/internal/notify"
	"github.com/flow-music/flow-worker/internal/server"
	"github.com/flow-music/flow-worker/internal/version"
	"github.com/flow-music/flow-worker/internal/worker"
)

// ControlOptions 汇总控制接口依赖。
type ControlOptions struct {
	Worker        *worker.Worker
	Gateway       *server.Gateway
	Clients       *host.Clients
	Notifications *host.NotificationCenter
	Logger        *logrus.Logger
}

// RegisterControlRoutes 暴露 /-/ 控制接口：推送、通知点击、页面消息、心跳、更新与状态查询。
func RegisterControlRoutes(app *fiber.App, opts ControlOptions) {
	if app == nil || opts.Worker == nil || opts.Gateway == nil || opts.Clients == nil || opts.Notifications == nil {
		return
	}
	h := &controlHandler{opts: opts}

	app.Get("/-/status", h.status)
	app.Post("/-/push", h.push)
	app.Get("/-/notifications", h.listNotifications)
	app.Post("/-/notifications/:id/click", h.clickNotification)
	app.Post("/-/message", h.message)
	app.Get("/-/clients", h.listClients)
	app.Post("/-/clients", h.heartbeat)
	app.Post("/-/update", h.update)
	app.Post("/-/sync", h.sync)
	app.All("/-/fetch", h.fetch)
}

type controlHandler struct {
	opts ControlOptions
}

type statusPayload struct {
	Version       string             `json:"version"`
	ScriptVersion string             `json:"script_version"`
	Lifecycle     lifecycle.Snapshot `json:"lifecycle"`
	Clients       int                `json:"clients"`
	Notifications int                `json:"notifications"`
	Events        []worker.Kind      `json:"events"`
}

type clickRequest struct {
	Action string `json:"action"`
}

type heartbeatRequest struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type heartbeatPayload struct {
	Client   host.Client    `json:"client"`
	Commands []host.Command `json:"commands"`
}

type syncRequest struct {
	Tag string `json:"tag"`
}

func (h *controlHandler) status(c fiber.Ctx) error {
	snap := h.opts.Worker.Lifecycle().Snapshot()
	return c.JSON(statusPayload{
		Version:       version.Full(),
		ScriptVersion: version.ScriptVersion(snap.CacheName),
		Lifecycle:     snap,
		Clients:       len(h.opts.Clients.List()),
		Notifications: len(h.opts.Notifications.List()),
		Events:        h.opts.Worker.Dispatcher().Kinds(),
	})
}

func (h *controlHandler) push(c fiber.Ctx) error {
	res, err := h.opts.Worker.Dispatch(requestContext(c), worker.Event{
		Kind: worker.KindPush,
		Data: append([]byte(nil), c.Body()...),
	})
	if err != nil {
		h.logFailure(c, worker.KindPush, err)
		return server.WriteError(c, fiber.StatusInternalServerError, "push_failed")
	}
	if !res.Handled || res.Notification == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.Status(fiber.StatusCreated).JSON(res.Notification)
}

func (h *controlHandler) listNotifications(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"notifications": h.opts.Notifications.List()})
}

func (h *controlHandler) clickNotification(c fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	shown, ok := h.opts.Notifications.Get(id)
	if !ok {
		return server.WriteError(c, fiber.StatusNotFound, "notification_not_found")
	}

	action := c.Query("action")
	if body := c.Body(); len(body) > 0 {
		var req clickRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return server.WriteError(c, fiber.StatusBadRequest, "invalid_body")
		}
		action = req.Action
	}

	res, err := h.opts.Worker.Dispatch(requestContext(c), worker.Event{
		Kind: worker.KindNotificationClick,
		Click: notify.ClickEvent{
			NotificationID: shown.ID,
			Action:         strings.TrimSpace(action),
			URL:            shown.Data,
		},
	})
	if err != nil {
		h.logFailure(c, worker.KindNotificationClick, err)
		return server.WriteError(c, fiber.StatusInternalServerError, "click_failed")
	}
	return c.JSON(res.Click)
}

func (h *controlHandler) message(c fiber.Ctx) error {
	res, err := h.opts.Worker.Dispatch(requestContext(c), worker.Event{
		Kind: worker.KindMessage,
		Data: append([]byte(nil), c.Body()...),
	})
	if err != nil {
		h.logFailure(c, worker.KindMessage, err)
		return server.WriteError(c, fiber.StatusConflict, "activate_failed")
	}
	return c.JSON(fiber.Map{"handled": res.Handled, "lifecycle": res.Lifecycle})
}

func (h *controlHandler) listClients(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"clients": h.opts.Clients.List()})
}

func (h *controlHandler) heartbeat(c fiber.Ctx) error {
	var req heartbeatRequest
	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return server.WriteError(c, fiber.StatusBadRequest, "invalid_body")
		}
	}
	client, commands := h.opts.Clients.Heartbeat(requestContext(c), strings.TrimSpace(req.ID), strings.TrimSpace(req.URL))
	if commands == nil {
		commands = []host.Command{}
	}
	return c.JSON(heartbeatPayload{Client: client, Commands: commands})
}

func (h *controlHandler) update(c fiber.Ctx) error {
	if err := h.opts.Worker.Update(requestContext(c)); err != nil {
		h.logFailure(c, worker.KindInstall, err)
		var installErr *lifecycle.InstallError
		switch {
		case errors.As(err, &installErr):
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error": "install_failed",
				"url":   installErr.URL,
			})
		case errors.Is(err, lifecycle.ErrBusy):
			return server.WriteError(c, fiber.StatusConflict, "lifecycle_busy")
		default:
			return server.WriteError(c, fiber.StatusInternalServerError, "update_failed")
		}
	}
	return c.JSON(h.opts.Worker.Lifecycle().Snapshot())
}

func (h *controlHandler) sync(c fiber.Ctx) error {
	tag := c.Query("tag")
	if body := c.Body(); len(body) > 0 {
		var req syncRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return server.WriteError(c, fiber.StatusBadRequest, "invalid_body")
		}
		tag = req.Tag
	}
	res, err := h.opts.Worker.Dispatch(requestContext(c), worker.Event{Kind: worker.KindSync, Tag: strings.TrimSpace(tag)})
	if err != nil {
		h.logFailure(c, worker.KindSync, err)
		return server.WriteError(c, fiber.StatusInternalServerError, "sync_failed")
	}
	return c.JSON(fiber.Map{"handled": res.Handled})
}

// fetch 让页面以绝对地址请求第三方资源，同样经过路由策略表。
// 目标主机必须在 ExternalHosts 中或命中排除标记，其余一律 403。
func (h *controlHandler) fetch(c fiber.Ctx) error {
	raw := strings.TrimSpace(c.Query("url"))
	target, err := url.Parse(raw)
	if raw == "" || err != nil || !target.IsAbs() || (target.Scheme != "http" && target.Scheme != "https") {
		return server.WriteError(c, fiber.StatusBadRequest, "absolute_url_required")
	}
	if !h.opts.Worker.Policy().AllowsExternal(target) {
		if h.opts.Logger != nil {
			h.opts.Logger.WithFields(logrus.Fields{
				"action":     "control",
				"host":       target.Host,
				"request_id": server.RequestID(c),
			}).Warn("external_host_rejected")
		}
		return server.WriteError(c, fiber.StatusForbidden, "host_not_allowed")
	}
	return h.opts.Gateway.Serve(c, server.RequestFor(c, target))
}

func (h *controlHandler) logFailure(c fiber.Ctx, kind worker.Kind, err error) {
	if h.opts.Logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "control",
		"event":  string(kind),
	}
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	h.opts.Logger.WithError(err).WithFields(fields).Warn("control_event_failed")
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
