// Package notify 把推送消息渲染为通知，并处理通知点击。
package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/flow-music/flow-worker/internal/config"
)

const (
	// ActionPlay 打开（或聚焦）播放页面。
	ActionPlay = "play"
	// ActionClose 只关闭通知。
	ActionClose = "close"
)

// Payload 是推送消息解析后的数据，用完即弃。
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Defaults 是通知的固定展示参数与缺省文案。
type Defaults struct {
	Title   string
	Body    string
	URL     string
	Icon    string
	Badge   string
	Vibrate []int
}

// DefaultsFromConfig 从配置构造 Defaults。
func DefaultsFromConfig(cfg config.NotificationConfig) Defaults {
	return Defaults{
		Title:   cfg.DefaultTitle,
		Body:    cfg.DefaultBody,
		URL:     cfg.DefaultURL,
		Icon:    cfg.Icon,
		Badge:   cfg.Badge,
		Vibrate: append([]int(nil), cfg.Vibrate...),
	}
}

// ParsePayload 解析推送数据。空数据返回 false（忽略该推送）；
// 非 JSON 数据按纯文本处理：标题取默认值，正文为原文。
func ParsePayload(data []byte, defaults Defaults) (Payload, bool) {
	if len(data) == 0 {
		return Payload{}, false
	}

	var parsed Payload
	trimmed := bytes.TrimSpace(data)
	if err := json.Unmarshal(trimmed, &parsed); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			parsed = Payload{Body: string(data)}
		}
		// 字段类型不符时保留其余已解码的字段；非对象 JSON 得到空 Payload，全部使用默认值。
	}

	parsed.Title = strings.TrimSpace(parsed.Title)
	if parsed.Title == "" {
		parsed.Title = defaults.Title
	}
	if strings.TrimSpace(parsed.Body) == "" {
		parsed.Body = defaults.Body
	}
	parsed.URL = strings.TrimSpace(parsed.URL)
	if parsed.URL == "" {
		parsed.URL = defaults.URL
	}
	return parsed, true
}
