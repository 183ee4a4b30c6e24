package foundry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// DatasetRef identifies a dataset RID and branch.
type DatasetRef struct {
	RID    string
	Branch string
}

// Env is what a session needs to reach Foundry datasets: where the API is, how to authenticate and
// which datasets the module's aliases point at.
type Env struct {
	Services Services
	// DefaultCAPath is a PEM bundle to trust for TLS (DEFAULT_CA_PATH in compute modules).
	DefaultCAPath string
	Token         string
	Aliases       map[string]DatasetRef
}

// Resolve looks up a dataset alias from RESOURCE_ALIAS_MAP. An empty branch resolves to master.
func (e Env) Resolve(alias string) (DatasetRef, error) {
	ref, ok := e.Aliases[alias]
	if !ok {
		known := make([]string, 0, len(e.Aliases))
		for k := range e.Aliases {
			known = append(known, k)
		}
		sort.Strings(known)
		return DatasetRef{}, fmt.Errorf("missing alias %q in RESOURCE_ALIAS_MAP (have %s)", alias, strings.Join(known, ", "))
	}
	ref.Branch = branchOrDefault(ref.Branch)
	return ref, nil
}

// NewClient builds a dataset client from the environment.
func (e Env) NewClient() (*Client, error) {
	return NewClient(e.Services.APIGateway, e.Token, e.DefaultCAPath)
}

// LoadEnv reads the pipeline-mode environment:
//   - FOUNDRY_SERVICE_DISCOVERY_V2 (file path) or FOUNDRY_URL
//   - BUILD2_TOKEN (file path)
//   - RESOURCE_ALIAS_MAP (file path)
//   - DEFAULT_CA_PATH (optional)
func LoadEnv() (Env, error) {
	services, err := loadServices()
	if err != nil {
		return Env{}, err
	}
	token, err := readEnvFile("BUILD2_TOKEN")
	if err != nil {
		return Env{}, err
	}
	raw, err := readEnvFile("RESOURCE_ALIAS_MAP")
	if err != nil {
		return Env{}, err
	}
	aliases, err := parseAliasMap([]byte(raw))
	if err != nil {
		return Env{}, err
	}
	return Env{
		Services:      services,
		DefaultCAPath: strings.TrimSpace(os.Getenv("DEFAULT_CA_PATH")),
		Token:         strings.TrimSpace(token),
		Aliases:       aliases,
	}, nil
}

// readEnvFile returns the contents of the file named by varName.
func readEnvFile(varName string) (string, error) {
	p := strings.TrimSpace(os.Getenv(varName))
	if p == "" {
		return "", fmt.Errorf("%s is required", varName)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read %s file: %w", varName, err)
	}
	return string(b), nil
}

// parseAliasMap decodes {"alias": {"rid": "...", "branch": "..."}}; branch may be null or absent.
func parseAliasMap(b []byte) (map[string]DatasetRef, error) {
	var raw map[string]struct {
		RID    string  `json:"rid"`
		Branch *string `json:"branch"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse RESOURCE_ALIAS_MAP JSON: %w", err)
	}
	out := make(map[string]DatasetRef, len(raw))
	for alias, v := range raw {
		ref := DatasetRef{RID: strings.TrimSpace(v.RID)}
		if ref.RID == "" {
			return nil, fmt.Errorf("alias %q: rid is required", alias)
		}
		if v.Branch != nil {
			ref.Branch = strings.TrimSpace(*v.Branch)
		}
		out[alias] = ref
	}
	return out, nil
}
