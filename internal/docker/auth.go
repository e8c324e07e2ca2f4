package docker

import (
	"fmt"

	"github.com/distribution/reference"
	"github.com/docker/cli/cli/config/configfile"
	"github.com/docker/docker/api/types/registry"
)

// indexServer is the key Docker Hub credentials are stored under.
const indexServer = "https://index.docker.io/v1/"

// registryAuth returns the X-Registry-Auth header value for ref, using the
// credentials cf holds for ref's registry. A registry without stored
// credentials yields an anonymous header.
func registryAuth(cf *configfile.ConfigFile, ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	host := reference.Domain(named)
	if host == "docker.io" {
		host = indexServer
	}
	if cf == nil {
		return registry.EncodeAuthConfig(registry.AuthConfig{ServerAddress: host})
	}
	ac, err := cf.GetAuthConfig(host)
	if err != nil {
		return "", fmt.Errorf("credentials for %s: %w", host, err)
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      ac.Username,
		Password:      ac.Password,
		Auth:          ac.Auth,
		ServerAddress: host,
		IdentityToken: ac.IdentityToken,
		RegistryToken: ac.RegistryToken,
	})
}
