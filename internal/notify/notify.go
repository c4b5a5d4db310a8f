// Package notify carries display notifications from the application to the
// user. It is a boundary around the caching core and never touches cache
// partitions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// MaxActions 是单条通知允许的最大操作按钮数。
const MaxActions = 2

// Action 是通知上的一个可点击操作。
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification 描述一条待展示的通知。
type Notification struct {
	Title   string   `json:"title"`
	Body    string   `json:"body,omitempty"`
	Tag     string   `json:"tag,omitempty"`
	Icon    string   `json:"icon,omitempty"`
	Actions []Action `json:"actions,omitempty"`
}

var (
	ErrMissingTitle   = errors.New("notification title required")
	ErrTooManyActions = fmt.Errorf("notification supports at most %d actions", MaxActions)
	ErrInvalidAction  = errors.New("notification action requires action and title")
)

// Validate 检查标题与操作按钮。
func (n Notification) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return ErrMissingTitle
	}
	if len(n.Actions) > MaxActions {
		return ErrTooManyActions
	}
	for idx, action := range n.Actions {
		if strings.TrimSpace(action.Action) == "" || strings.TrimSpace(action.Title) == "" {
			return fmt.Errorf("actions[%d]: %w", idx, ErrInvalidAction)
		}
	}
	return nil
}

// Notifier 负责把通知交给最终展示方。
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier 将通知写成结构化日志。
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier creates a notifier backed by the given logger.
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	actions := make([]string, 0, len(n.Actions))
	for _, action := range n.Actions {
		actions = append(actions, action.Action)
	}
	l.logger.WithFields(logrus.Fields{
		"action":  "notify",
		"title":   n.Title,
		"body":    n.Body,
		"tag":     n.Tag,
		"icon":    n.Icon,
		"actions": actions,
	}).Info("notification")
	return nil
}
