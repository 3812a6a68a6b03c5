package analyzer

import (
	"fmt"
	"strings"

	"go-poolguard/pkg/models"
)

const (
	clickFarmLocationCount = 20
	brandDominanceRatio    = 0.5
	brandDominanceMinCount = 10
	coordinatedVolume      = 50
	subnetFloodCount       = 10
)

type patternSignals struct {
	IP       string
	City     string
	District string
	Brand    string
}

func patternSignalsOf(ev *models.VisitorEvent) patternSignals {
	return patternSignals{
		IP:       ev.IPAddress,
		City:     ev.City,
		District: ev.District,
		Brand:    ev.DeviceBrand,
	}
}

// analyzePattern 与近期流量对比的群体模式
func (s *RiskScorer) analyzePattern(ev *models.VisitorEvent, h history) (float64, []models.RiskFactor) {
	in := patternSignalsOf(ev)
	var score float64
	var factors []models.RiskFactor
	add := func(points float64, description string, severity models.Severity, details string) {
		score += points
		factors = append(factors, factor(models.CategoryPattern, description, points, severity, details))
	}

	if in.City != "" && in.District != "" {
		sameLocation := 0
		for _, v := range h.visits {
			if v.City == in.City && v.District == in.District {
				sameLocation++
			}
		}
		if sameLocation >= clickFarmLocationCount {
			add(25, "Dense traffic from one location", models.SeverityHigh,
				fmt.Sprintf("%s/%s - %d visits (click farm suspected)", in.City, in.District, sameLocation))
		}
	}

	if in.Brand != "" {
		sameBrand := 0
		for _, v := range h.visits {
			if v.DeviceBrand == in.Brand {
				sameBrand++
			}
		}
		total := len(h.visits)
		if total == 0 {
			total = 1
		}
		ratio := float64(sameBrand) / float64(total)
		if ratio > brandDominanceRatio && sameBrand >= brandDominanceMinCount {
			add(20, "Single device brand dominance", models.SeverityMedium,
				fmt.Sprintf("%d%% %s (emulator farm suspected)", int(ratio*100), in.Brand))
		}
	}

	if n := len(h.visits); n >= coordinatedVolume {
		add(15, "High traffic volume", models.SeverityMedium,
			fmt.Sprintf("%d recent visits (coordinated attack suspected)", n))
	}

	if subnet := subnetPrefix(in.IP); subnet != "" {
		sameSubnet := 0
		for _, v := range h.visits {
			if strings.HasPrefix(v.IPAddress, subnet) {
				sameSubnet++
			}
		}
		if sameSubnet >= subnetFloodCount {
			add(20, "Traffic from one IP block", models.SeverityHigh,
				fmt.Sprintf("%s* - %d visits", subnet, sameSubnet))
		}
	}

	return capScore(score), factors
}

// subnetPrefix IPv4 前三段（含结尾的点），非 IPv4 返回空
func subnetPrefix(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return ""
	}
	return strings.Join(parts[:3], ".") + "."
}
