package types

import (
	"encoding/json"
	"fmt"
	"slices"
)

// RunnerDockerCompose is the only container runner currently shipped in
// guest images.
const RunnerDockerCompose = "docker-compose"

// AppCompose is the application compose specification uploaded at create or
// upgrade time and written verbatim to shared/app-compose.json. The guest
// boot tooling consumes the same document, so the schema is validated here
// once and never redefined per call site.
type AppCompose struct {
	ManifestVersion uint32   `json:"manifest_version"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Features        []string `json:"features"`
	Runner          string   `json:"runner"`

	// DockerComposeFile is the embedded docker-compose document. Required
	// when Runner is docker-compose.
	DockerComposeFile string `json:"docker_compose_file,omitempty"`
}

// FeatureEnabled reports whether the compose enables a named guest feature.
func (c *AppCompose) FeatureEnabled(feature string) bool {
	return slices.Contains(c.Features, feature)
}

// ParseAppCompose decodes and validates a compose document. A compose must
// declare a container-runner payload; an empty or missing runner definition
// is rejected.
func ParseAppCompose(data []byte) (*AppCompose, error) {
	var c AppCompose
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: parse compose: %v", ErrInvalid, err)
	}
	if c.Runner == "" {
		return nil, fmt.Errorf("%w: compose declares no runner", ErrInvalid)
	}
	if c.Runner == RunnerDockerCompose && c.DockerComposeFile == "" {
		return nil, fmt.Errorf("%w: docker compose file cannot be empty", ErrInvalid)
	}
	return &c, nil
}
