package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// EndpointGuard はプラットフォームのエンドポイントへの外向き通信を制限する。
// 設定ファイル読み込み時の静的検証と、DNS解決後の検証付きHTTPクライアントを提供する。
type EndpointGuard struct {
	allowedPorts []int
}

// NewEndpointGuard はEndpointGuardを生成する。portsが空の場合は80と443のみ許可する。
func NewEndpointGuard(ports ...int) *EndpointGuard {
	if len(ports) == 0 {
		ports = []int{80, 443}
	}
	return &EndpointGuard{allowedPorts: ports}
}

var allowedSchemes = []string{"http", "https"}

// blockedNetworks はプライベート、ループバック、リンクローカル（メタデータIPを含む）の範囲。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR: %s: %v", cidr, err))
		}
		out = append(out, network)
	}
	return out
}

// NewSafeClient はsafeurlで接続先を検証するHTTPクライアントを生成する。
// 接続時のDialerでDNS解決後のIPを検証するため、DNS再バインディングにも対応する。
func (g *EndpointGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateEndpoint はエンドポイントURLを静的に検証する。DNS解決は行わない。
func (g *EndpointGuard) ValidateEndpoint(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, network := range blockedNetworks {
			if network.Contains(ip) {
				return fmt.Errorf("blocked IP address: %s", ip.String())
			}
		}
	}
	return nil
}
