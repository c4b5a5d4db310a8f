package router

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Classification 是请求被路由到的缓存类别。
type Classification string

const (
	StaticAsset Classification = "static-asset"
	APIPattern  Classification = "api-pattern"
	Image       Classification = "image"
	Passthrough Classification = "passthrough"
)

// DestinationImage 对应 Sec-Fetch-Dest: image。
const DestinationImage = "image"

// Request 是分类所需的最小请求视图。
type Request struct {
	Method      string
	URL         *url.URL
	Destination string
}

// Rules 描述分类与开发旁路规则，通常来自配置文件。
type Rules struct {
	StaticAssets    []string
	APIPatterns     []string
	DevHosts        []string
	DevPathPrefixes []string
}

// Pattern 匹配请求路径：以 ^ 开头时按正则解释，否则按前缀匹配。
type Pattern struct {
	raw    string
	prefix string
	re     *regexp.Regexp
}

// ParsePattern 编译单条路径规则。
func ParsePattern(raw string) (Pattern, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Pattern{}, errors.New("empty pattern")
	}
	if strings.HasPrefix(raw, "^") {
		re, err := regexp.Compile(raw)
		if err != nil {
			return Pattern{}, fmt.Errorf("compile %q: %w", raw, err)
		}
		return Pattern{raw: raw, re: re}, nil
	}
	return Pattern{raw: raw, prefix: raw}, nil
}

// Match 判断路径是否命中规则。
func (p Pattern) Match(path string) bool {
	if p.re != nil {
		return p.re.MatchString(path)
	}
	return p.prefix != "" && strings.HasPrefix(path, p.prefix)
}

func (p Pattern) String() string {
	return p.raw
}

// Classifier 对请求做无副作用的分类，构造后只读，可并发使用。
type Classifier struct {
	static      map[string]struct{}
	api         []Pattern
	devHosts    map[string]struct{}
	devPrefixes []string
}

// NewClassifier 编译规则，非法正则会直接返回错误。
func NewClassifier(rules Rules) (*Classifier, error) {
	c := &Classifier{
		static:      make(map[string]struct{}, len(rules.StaticAssets)),
		devHosts:    make(map[string]struct{}, len(rules.DevHosts)),
		devPrefixes: append([]string(nil), rules.DevPathPrefixes...),
	}
	for _, asset := range rules.StaticAssets {
		// 清单条目可能带查询串（如 /app.js?v=2），分类只看路径
		ref, err := url.Parse(asset)
		if err != nil {
			return nil, fmt.Errorf("static asset %q: %w", asset, err)
		}
		c.static[requestPath(ref)] = struct{}{}
	}
	for idx, raw := range rules.APIPatterns {
		pattern, err := ParsePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("api pattern %d: %w", idx, err)
		}
		c.api = append(c.api, pattern)
	}
	for _, host := range rules.DevHosts {
		host = strings.ToLower(strings.Trim(strings.TrimSpace(host), "[]"))
		if host != "" {
			c.devHosts[host] = struct{}{}
		}
	}
	return c, nil
}

// Classify 按固定优先级给出分类：
// 非 GET、静态清单精确匹配、API 规则、图片目标、其余透传。
func (c *Classifier) Classify(req Request) Classification {
	if !strings.EqualFold(req.Method, http.MethodGet) {
		return Passthrough
	}
	path := requestPath(req.URL)
	if _, ok := c.static[path]; ok {
		return StaticAsset
	}
	for _, pattern := range c.api {
		if pattern.Match(path) {
			return APIPattern
		}
	}
	if strings.EqualFold(req.Destination, DestinationImage) {
		return Image
	}
	return Passthrough
}

// Bypass 报告请求是否属于本地开发服务器资源，此类请求完全不拦截。
func (c *Classifier) Bypass(req Request) bool {
	if req.URL == nil || !c.isDevHost(req.URL.Host) {
		return false
	}
	path := requestPath(req.URL)
	for _, prefix := range c.devPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (c *Classifier) isDevHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "" {
		return false
	}
	if _, ok := c.devHosts[host]; ok {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func requestPath(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// Destination 根据 Sec-Fetch-Dest 推导请求目标；缺失时若 Accept 首项为 image/* 视为图片。
func Destination(secFetchDest, accept string) string {
	if dest := strings.ToLower(strings.TrimSpace(secFetchDest)); dest != "" {
		return dest
	}
	first, _, _ := strings.Cut(accept, ",")
	mediaType, _, _ := strings.Cut(first, ";")
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(mediaType)), "image/") {
		return DestinationImage
	}
	return ""
}
