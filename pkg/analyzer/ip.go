package analyzer

import (
	"fmt"
	"strings"
	"time"

	"go-poolguard/pkg/models"
)

// ipSignals IP 分析只读取的字段
type ipSignals struct {
	IP     string
	IPType string
	ISP    string
}

func ipSignalsOf(ev *models.VisitorEvent) ipSignals {
	return ipSignals{
		IP:     ev.IPAddress,
		IPType: strings.ToLower(ev.IPType),
		ISP:    strings.ToLower(ev.ISP),
	}
}

// analyzeIP IP 类型、机房网段、重复访问、设备农场、ISP
func (s *RiskScorer) analyzeIP(ev *models.VisitorEvent, h history) (float64, []models.RiskFactor) {
	in := ipSignalsOf(ev)
	var score float64
	var factors []models.RiskFactor
	add := func(points float64, description string, severity models.Severity, details string) {
		score += points
		factors = append(factors, factor(models.CategoryIP, description, points, severity, details))
	}

	switch in.IPType {
	case "datacenter", "hosting":
		add(40, "Datacenter IP detected", models.SeverityHigh, "ip type: "+in.IPType)
	case "vpn", "proxy":
		add(35, "VPN/Proxy usage detected", models.SeverityHigh, "ip type: "+in.IPType)
	case "tor":
		add(50, "TOR network usage", models.SeverityCritical, "TOR exit node")
	}

	if prefix := s.hosting.Match(in.IP); prefix != "" {
		add(25, "Suspicious IP range", models.SeverityMedium, "cloud/CDN range: "+prefix)
	}

	sameIP := 0
	for _, v := range h.within(time.Hour) {
		if v.IPAddress == in.IP {
			sameIP++
		}
	}
	if sameIP >= 10 {
		add(30, "Too many repeat visits", models.SeverityHigh, fmt.Sprintf("%d visits in the last hour", sameIP))
	} else if sameIP >= 5 {
		add(15, "Repeat visits", models.SeverityMedium, fmt.Sprintf("%d visits in the last hour", sameIP))
	}

	profiles := make(map[string]struct{})
	for _, v := range h.visits {
		if v.IPAddress == in.IP {
			profiles[v.DeviceProfile()] = struct{}{}
		}
	}
	if len(profiles) >= 5 {
		add(35, "Multiple devices from the same IP", models.SeverityCritical,
			fmt.Sprintf("%d distinct device profiles (bot farm suspected)", len(profiles)))
	}

	if in.ISP != "" {
		for _, isp := range hostingISPs {
			if strings.Contains(in.ISP, isp) {
				add(20, "Suspicious ISP/Hosting", models.SeverityMedium, "isp: "+in.ISP)
				break
			}
		}
	}

	return capScore(score), factors
}
