package pod

import (
	"context"
	"regexp"
	"strings"
)

// Driver facing parameters. The keys are declared by the driver settings.
type Context map[string]any

// Returns the string value of a parameter or an empty string.
func (c Context) String(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Scope of a power parameter. BMC scoped parameters are stored on the pod
// or BMC, node scoped parameters on the machine.
type ParameterScope string

// Parameter scopes.
const (
	ScopeBMC  ParameterScope = "bmc"
	ScopeNode ParameterScope = "node"
)

// A parameter declared by a driver.
type SettingField struct {
	Name     string         `json:"name"`
	Label    string         `json:"label"`
	Scope    ParameterScope `json:"scope"`
	Required bool           `json:"required"`
	Default  string         `json:"default,omitempty"`
	Secret   bool           `json:"secret,omitempty"`
}

// Pattern extracting the IP address of the controller from one of the
// parameters. The pattern must contain a named group "address".
type IPExtractor struct {
	Field   string `json:"field"`
	Pattern string `json:"pattern"`
}

// Self describing settings schema of a driver.
type Settings struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Fields      []SettingField `json:"fields"`
	IPExtractor *IPExtractor   `json:"ip_extractor,omitempty"`
}

// Returns the declared field by name.
func (s *Settings) Field(name string) (SettingField, bool) {
	for _, field := range s.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return SettingField{}, false
}

// Splits the parameters into BMC and node scoped ones. Undeclared
// parameters are kept with the BMC.
func (s *Settings) PartitionParameters(params map[string]any) (bmc map[string]any, node map[string]any) {
	bmc = map[string]any{}
	node = map[string]any{}
	for key, value := range params {
		if field, ok := s.Field(key); ok && field.Scope == ScopeNode {
			node[key] = value
			continue
		}
		bmc[key] = value
	}
	return bmc, node
}

// Returns the parameters with defaults filled in for the missing declared
// fields.
func (s *Settings) WithDefaults(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for key, value := range params {
		out[key] = value
	}
	for _, field := range s.Fields {
		if _, ok := out[field.Name]; !ok && field.Default != "" {
			out[field.Name] = field.Default
		}
	}
	return out
}

// Returns the names of required fields missing from the parameters.
func (s *Settings) MissingRequired(params map[string]any) []string {
	var missing []string
	for _, field := range s.Fields {
		if !field.Required {
			continue
		}
		if v, ok := params[field.Name]; !ok || v == "" || v == nil {
			missing = append(missing, field.Name)
		}
	}
	return missing
}

// Extracts the controller IP address from the parameters using the
// declared extractor. An empty string is returned when the driver declares
// no extractor or nothing matches.
func (s *Settings) ExtractIPAddress(params map[string]any) string {
	if s.IPExtractor == nil {
		return ""
	}
	value, ok := params[s.IPExtractor.Field].(string)
	if !ok || value == "" {
		return ""
	}
	re, err := regexp.Compile(s.IPExtractor.Pattern)
	if err != nil {
		return ""
	}
	match := re.FindStringSubmatch(value)
	if match == nil {
		return ""
	}
	index := re.SubexpIndex("address")
	if index < 0 {
		return ""
	}
	return strings.Trim(match[index], "[]")
}

// Contract implemented by every pod driver. Each call receives the pod id
// (zero before the pod is registered) and the driver facing context.
type Driver interface {
	// Driver name used as the power type.
	Name() string
	// Declared settings schema.
	Settings() Settings
	// Discovers the host capabilities, storage pools and machines.
	Discover(ctx context.Context, podID int64, podContext Context) (*DiscoveredPod, error)
	// Creates a new machine and returns it as discovered afterwards.
	Compose(ctx context.Context, podID int64, podContext Context, request RequestedMachine) (*DiscoveredMachine, *DiscoveredPodHints, error)
	// Destroys the machine named in the context.
	Decompose(ctx context.Context, podID int64, podContext Context) (*DiscoveredPodHints, error)
	// Returns hardware information of the pod host.
	GetCommissioningData(ctx context.Context, podID int64, podContext Context) (CommissioningData, error)
	// Powers the machine named in the context on.
	PowerOn(ctx context.Context, podID int64, podContext Context) error
	// Powers the machine named in the context off.
	PowerOff(ctx context.Context, podID int64, podContext Context) error
	// Queries the power state of the machine named in the context.
	PowerQuery(ctx context.Context, podID int64, podContext Context) (PowerState, error)
}
