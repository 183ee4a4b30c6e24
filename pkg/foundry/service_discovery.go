package foundry

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Services holds the base URLs this module calls.
type Services struct {
	APIGateway string
}

// apiGatewayKeys are the service ids a discovery file may use for the API gateway.
var apiGatewayKeys = []string{"api_gateway", "apiGateway"}

// parseServiceDiscovery reads a FOUNDRY_SERVICE_DISCOVERY_V2 document. Each service id maps to a
// list of base URLs and the first one wins:
//
//	api_gateway:
//	  - https://<stack>.palantirfoundry.com/api
func parseServiceDiscovery(b []byte) (Services, error) {
	var doc map[string][]string
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Services{}, fmt.Errorf("parse FOUNDRY_SERVICE_DISCOVERY_V2 YAML: %w", err)
	}
	for _, key := range apiGatewayKeys {
		urls := doc[key]
		if len(urls) == 0 {
			continue
		}
		gw := strings.TrimRight(strings.TrimSpace(urls[0]), "/")
		if u, err := url.Parse(gw); err != nil || u.Scheme == "" || u.Host == "" {
			return Services{}, fmt.Errorf("FOUNDRY_SERVICE_DISCOVERY_V2 %s: invalid url %q", key, urls[0])
		}
		return Services{APIGateway: gw}, nil
	}
	return Services{}, fmt.Errorf("FOUNDRY_SERVICE_DISCOVERY_V2 missing api_gateway")
}

// servicesFromURL derives the gateway from a bare stack URL such as FOUNDRY_URL.
func servicesFromURL(raw string) (Services, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || u.Host == "" {
		return Services{}, fmt.Errorf("invalid FOUNDRY_URL %q", raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/api") + "/api"
	return Services{APIGateway: u.String()}, nil
}

func loadServices() (Services, error) {
	if p := strings.TrimSpace(os.Getenv("FOUNDRY_SERVICE_DISCOVERY_V2")); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return Services{}, fmt.Errorf("read FOUNDRY_SERVICE_DISCOVERY_V2 file: %w", err)
		}
		return parseServiceDiscovery(b)
	}
	if v := strings.TrimSpace(os.Getenv("FOUNDRY_URL")); v != "" {
		return servicesFromURL(v)
	}
	return Services{}, fmt.Errorf("FOUNDRY_SERVICE_DISCOVERY_V2 or FOUNDRY_URL is required")
}
