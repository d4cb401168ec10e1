package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuardService は外部への送信先（メール中継APIなど）を検証するインターフェース。
type OutboundGuardService interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// プライベートIP・ループバック・リンクローカル・メタデータIPへの接続は
	// DNS解決後のIPに対してDialerレベルで拒否される。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL は送信先URLを起動時に静的に検証する。
	ValidateURL(rawURL string) error
}

var allowedSchemes = []string{"http", "https"}

// blockedNetworks はValidateURLで拒否するネットワーク範囲。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", // RFC 1918
	"127.0.0.0/8", "::1/128", // ループバック
	"169.254.0.0/16", "fe80::/10", // リンクローカル（メタデータIPを含む）
	"0.0.0.0/8",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		out = append(out, network)
	}
	return out
}

// outboundGuard はOutboundGuardServiceの実装。
type outboundGuard struct {
	ports []int
}

// NewOutboundGuard はOutboundGuardServiceを生成する。
// portsを省略した場合は80と443のみ許可する。
func NewOutboundGuard(ports ...int) *outboundGuard {
	if len(ports) == 0 {
		ports = []int{80, 443}
	}
	return &outboundGuard{ports: ports}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを生成する。
func (g *outboundGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.ports...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はスキーム・ホスト・ポートを検証する。
// DNS再バインディングはNewSafeClient側で防ぐため、ここではDNS解決を行わない。
func (g *outboundGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !slices.Contains(allowedSchemes, scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	port := 443
	if scheme == "http" {
		port = 80
	}
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid port: %s", p)
		}
	}
	if !slices.Contains(g.ports, port) {
		return fmt.Errorf("disallowed port: %d (allowed: %v)", port, g.ports)
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, network := range blockedNetworks {
			if network.Contains(ip) {
				return fmt.Errorf("blocked IP address: %s", ip.String())
			}
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

// compile-time interface check
var _ OutboundGuardService = (*outboundGuard)(nil)
