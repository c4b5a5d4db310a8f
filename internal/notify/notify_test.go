package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNotificationValidate(t *testing.T) {
	cases := []struct {
		name string
		n    Notification
		want error
	}{
		{"ok", Notification{Title: "新章节", Actions: []Action{{Action: "open", Title: "打开"}}}, nil},
		{"missing title", Notification{Body: "x"}, ErrMissingTitle},
		{"blank title", Notification{Title: "  "}, ErrMissingTitle},
		{"too many actions", Notification{Title: "t", Actions: []Action{
			{Action: "a", Title: "A"}, {Action: "b", Title: "B"}, {Action: "c", Title: "C"},
		}}, ErrTooManyActions},
		{"incomplete action", Notification{Title: "t", Actions: []Action{{Action: "open"}}}, ErrInvalidAction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.n.Validate()
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestLogNotifierWritesEntry(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	n := NewLogNotifier(logger)
	err := n.Notify(context.Background(), Notification{
		Title:   "同步完成",
		Tag:     "sync",
		Actions: []Action{{Action: "view", Title: "查看"}},
	})
	if err != nil {
		t.Fatalf("notify error: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log entry is not json: %v", err)
	}
	if entry["title"] != "同步完成" || entry["tag"] != "sync" || entry["msg"] != "notification" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestLogNotifierRejectsInvalid(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)

	if err := NewLogNotifier(logger).Notify(context.Background(), Notification{}); !errors.Is(err, ErrMissingTitle) {
		t.Fatalf("expected ErrMissingTitle, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("非法通知不应写日志")
	}
}
