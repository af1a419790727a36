package dashboard

import (
	"log/slog"
	"os"
	"strings"
)

var proxyEnvVars = []string{"HTTP_PROXY", "http_proxy", "HTTPS_PROXY", "https_proxy"}

var noProxyVars = []string{"NO_PROXY", "no_proxy"}

const localBypass = "localhost,127.0.0.1,::1"

// envMask remembers the proxy environment so it can be put back exactly
// as found when the dashboard stops.
type envMask struct {
	saved map[string]*string
}

// maskProxyEnv unsets HTTP(S)_PROXY and extends NO_PROXY with local
// addresses for the dashboard's lifetime.
func maskProxyEnv() *envMask {
	m := &envMask{saved: make(map[string]*string)}

	for _, name := range proxyEnvVars {
		if value, ok := os.LookupEnv(name); ok {
			v := value
			m.saved[name] = &v
			os.Unsetenv(name)
		}
	}
	for _, name := range noProxyVars {
		if value, ok := os.LookupEnv(name); ok {
			v := value
			m.saved[name] = &v
		} else {
			m.saved[name] = nil
		}
		os.Setenv(name, extendNoProxy(os.Getenv(name)))
	}

	slog.Debug("Masked proxy environment for dashboard")
	return m
}

// restore reinstates the environment captured by maskProxyEnv.
func (m *envMask) restore() {
	for name, value := range m.saved {
		if value == nil {
			os.Unsetenv(name)
		} else {
			os.Setenv(name, *value)
		}
	}
	slog.Debug("Restored proxy environment")
}

func extendNoProxy(current string) string {
	if current == "" {
		return localBypass
	}
	existing := map[string]bool{}
	for _, entry := range strings.Split(current, ",") {
		existing[strings.TrimSpace(entry)] = true
	}
	out := current
	for _, entry := range strings.Split(localBypass, ",") {
		if !existing[entry] {
			out += "," + entry
		}
	}
	return out
}
