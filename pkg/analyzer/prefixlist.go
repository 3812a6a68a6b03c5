package analyzer

import (
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// PrefixList 网段列表（CIDR），用于识别已知机房/CDN 地址段
type PrefixList struct {
	nets []*net.IPNet
	mu   sync.RWMutex
	log  *zap.SugaredLogger
}

func NewPrefixList(cidrs []string, log *zap.SugaredLogger) *PrefixList {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	p := &PrefixList{
		nets: make([]*net.IPNet, 0),
		log:  log,
	}
	p.Update(cidrs)
	return p
}

func (p *PrefixList) Update(cidrs []string) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		// 单个 IP 按 /32 处理
		if !strings.Contains(cidr, "/") {
			cidr += "/32"
		}

		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			p.log.Errorf("无效的CIDR格式: %s, 错误: %v", cidr, err)
			continue
		}
		nets = append(nets, ipnet)
	}

	p.mu.Lock()
	p.nets = nets
	p.mu.Unlock()
	p.log.Debugf("网段列表更新完成，共 %d 条记录", len(nets))
}

// Match 返回命中的网段，未命中返回空字符串
func (p *PrefixList) Match(ipStr string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.nets) == 0 {
		return ""
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}

	for _, ipnet := range p.nets {
		if ipnet.Contains(ip) {
			return ipnet.String()
		}
	}
	return ""
}
