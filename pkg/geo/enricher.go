package geo

import (
	"net"

	"go-poolguard/pkg/models"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"
)

// CityReader *geoip2.Reader 的城市查询
type CityReader interface {
	City(ip net.IP) (*geoip2.City, error)
}

// ASNReader *geoip2.Reader 的 ASN 查询
type ASNReader interface {
	ASN(ip net.IP) (*geoip2.ASN, error)
}

// 已知的数据中心和云服务提供商 ASN
var dataCenterASNs = map[uint]string{
	16509:  "Amazon AWS",
	14618:  "Amazon AWS",
	8075:   "Microsoft Azure",
	15169:  "Google",
	396982: "Google Cloud",
	14061:  "DigitalOcean",
	16276:  "OVH",
	24940:  "Hetzner",
	63949:  "Linode",
	20473:  "Vultr",
	13335:  "Cloudflare",
}

// Enricher 用 GeoIP/ASN 库补全上报中缺失的地理与网络信息
// 已上报的字段不会被覆盖，两个库都可以为空
type Enricher struct {
	city CityReader
	asn  ASNReader
	log  *zap.SugaredLogger

	closers []*geoip2.Reader
}

func NewEnricher(city CityReader, asn ASNReader, log *zap.SugaredLogger) *Enricher {
	return &Enricher{city: city, asn: asn, log: log}
}

// Open 打开 mmdb 文件，路径为空则跳过对应的库
func Open(cityPath, asnPath string, log *zap.SugaredLogger) (*Enricher, error) {
	e := &Enricher{log: log}
	if cityPath != "" {
		db, err := geoip2.Open(cityPath)
		if err != nil {
			return nil, err
		}
		e.city = db
		e.closers = append(e.closers, db)
	}
	if asnPath != "" {
		db, err := geoip2.Open(asnPath)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.asn = db
		e.closers = append(e.closers, db)
	}
	return e, nil
}

func (e *Enricher) Close() {
	for _, db := range e.closers {
		_ = db.Close()
	}
	e.closers = nil
}

type location struct {
	country string
	city    string
	lat     float64
	lon     float64
	ok      bool
}

func (e *Enricher) lookupCity(ip net.IP) location {
	if e.city == nil {
		return location{}
	}
	record, err := e.city.City(ip)
	if err != nil {
		e.log.Errorf("GeoIP查询失败: %v", err)
		return location{}
	}
	return location{
		country: record.Country.IsoCode,
		city:    record.City.Names["en"],
		lat:     record.Location.Latitude,
		lon:     record.Location.Longitude,
		ok:      true,
	}
}

// EnrichVisit 补全国家、城市、坐标、ISP 与 IP 类型
func (e *Enricher) EnrichVisit(v *models.VisitorEvent) {
	ip := net.ParseIP(v.IPAddress)
	if ip == nil {
		return
	}

	if loc := e.lookupCity(ip); loc.ok {
		if v.Country == "" {
			v.Country = loc.country
		}
		if v.City == "" {
			v.City = loc.city
		}
		if v.Latitude == nil && v.Longitude == nil {
			lat, lon := loc.lat, loc.lon
			v.Latitude, v.Longitude = &lat, &lon
		}
	}

	if e.asn == nil {
		return
	}
	asn, err := e.asn.ASN(ip)
	if err != nil {
		e.log.Errorf("ASN查询失败: %v", err)
		return
	}
	if v.ISP == "" {
		v.ISP = asn.AutonomousSystemOrganization
	}
	if _, ok := dataCenterASNs[asn.AutonomousSystemNumber]; ok && v.IPType == "" {
		v.IPType = "datacenter"
	}
}

// EnrichClick 点击只补全国家和城市
func (e *Enricher) EnrichClick(c *models.ClickEvent) {
	ip := net.ParseIP(c.IPAddress)
	if ip == nil {
		return
	}
	if loc := e.lookupCity(ip); loc.ok {
		if c.Country == "" {
			c.Country = loc.country
		}
		if c.City == "" {
			c.City = loc.city
		}
	}
}
