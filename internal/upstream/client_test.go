package upstream

import (
	"net/http"
	"testing"
	"time"

	"github.com/any-hub/offline-cache/internal/config"
)

func TestNewClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	if NewClient(nil).Timeout != 30*time.Second {
		t.Fatalf("未配置时应使用 30s 默认超时")
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("transfer-encoding", "chunked")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	for _, key := range []string{"Connection", "Keep-Alive", "Transfer-Encoding"} {
		if _, exists := dst[key]; exists {
			t.Fatalf("%s header should not be copied", key)
		}
	}
	if got := dst.Values("X-Test-Header"); len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}
