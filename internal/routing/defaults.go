package routing

import "sort"

// DefaultRules 是 LoadDefaultRules 加载的规则。
var DefaultRules = []string{
	// 本地开发
	"localhost",
	"127.0.0.1",
	"192.168.*",
	"10.*",
	"172.16.*",

	"*.local",
	"*.dev",
	"*.test",

	// 包管理与开发工具
	"pypi.org",
	"npmjs.com",
	"github.com",
	"githubusercontent.com",
}

// Templates 是按场景组织的预置规则集。关键字规则写成 *keyword* 通配。
var Templates = map[string][]string{
	"ip_testing": {
		"httpbin.org",
		"ipinfo.io",
		"ifconfig.co",
		"ifconfig.me",
		"checkip.amazonaws.com",
		"ipify.org",
		"icanhazip.com",
		"ident.me",
		"gstatic.com",
		"detectportal.firefox.com",
		"connectivitycheck.platform.hicloud.com",
		"*whatismyip*",
		"*checkip*",
		"*myip*",
	},
	"news_scraping": {
		"panewslab.com",
		"*panewslab*",
		"coindesk.com",
		"cointelegraph.com",
		"decrypt.co",
		"theblock.co",
	},
}

// TemplateNames 返回可用模板名 (排序)。
func TemplateNames() []string {
	names := make([]string, 0, len(Templates))
	for name := range Templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
