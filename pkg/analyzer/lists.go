package analyzer

// 已知机房/云/CDN 地址段
var hostingPrefixes = []string{
	"104.16.0.0/16",  // Cloudflare
	"172.64.0.0/16",  // Cloudflare
	"34.64.0.0/16",   // Google Cloud
	"35.192.0.0/16",  // Google Cloud
	"13.52.0.0/16",   // AWS
	"18.144.0.0/16",  // AWS
	"52.52.0.0/16",   // AWS
	"54.183.0.0/16",  // AWS
	"157.240.0.0/16", // Facebook
	"31.13.0.0/16",   // Facebook
}

var hostingISPs = []string{
	"amazon", "aws", "google cloud", "microsoft azure",
	"digitalocean", "linode", "vultr", "ovh", "hetzner",
	"hostinger", "contabo",
}

var botUserAgents = []string{
	"bot", "crawler", "spider", "scraper", "headless",
	"phantom", "selenium", "puppeteer", "playwright",
	"wget", "curl", "python-requests", "httpclient",
	"java", "perl", "ruby", "go-http-client",
}

var headlessIndicators = []string{"headless", "phantomjs", "electron", "nightmare"}

var commonScreenWidths = map[int]bool{
	320: true, 375: true, 414: true, 768: true, 1024: true, 1280: true,
	1366: true, 1440: true, 1536: true, 1920: true, 2560: true,
}

// 刷量/积分墙来源关键词
var incentivizedReferrers = []string{"click", "traffic", "visitor", "bot", "earn", "ptc"}

// 点击快速通道使用的较短机器人特征列表
var clickBotPatterns = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget",
	"python-requests", "headless", "phantom", "selenium",
}
