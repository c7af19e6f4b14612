package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/wesleyorama2/mailsim/internal/logging"
	"github.com/wesleyorama2/mailsim/internal/simulator/netaddr"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Built-in scenario modules. Cleanup always runs once after the scheduled
// modules and cannot be listed as a scenario.
const (
	ModuleFetchmail = "fetchmail"
	ModuleSendmail  = "sendmail"
	ModuleCleanup   = "cleanup"
)

var scenarioModules = map[string]bool{
	ModuleFetchmail: true,
	ModuleSendmail:  true,
}

// Validate validates the entire configuration.
//
// Returns nil if valid, or a ValidationErrors containing all validation errors.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if len(c.Servers) == 0 {
		errs.Add("servers", "at least one server is required")
	}

	seen := make(map[string]bool)
	for i := range c.Servers {
		srv := &c.Servers[i]
		prefix := fmt.Sprintf("servers[%d]", i)
		if srv.Name != "" {
			if seen[srv.Name] {
				errs.Add(prefix+".name", fmt.Sprintf("duplicate server name %q", srv.Name))
			}
			seen[srv.Name] = true
		}
		validateServer(prefix, srv, errs)
	}

	for i := range c.Scenarios {
		validateScenario(fmt.Sprintf("scenarios[%d]", i), &c.Scenarios[i], errs)
	}

	validateOptions(&c.Options, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ValidateServer validates the server called name together with the
// scenarios and options. Other servers are not looked at.
func (c *Config) ValidateServer(name string) error {
	errs := &ValidationErrors{}

	found := false
	for i := range c.Servers {
		if c.Servers[i].Name != name {
			continue
		}
		if found {
			errs.Add(fmt.Sprintf("servers[%d].name", i), fmt.Sprintf("duplicate server name %q", name))
			continue
		}
		found = true
		validateServer(fmt.Sprintf("servers[%d]", i), &c.Servers[i], errs)
	}
	if !found {
		errs.Add("server", fmt.Sprintf("server %q is not configured", name))
	}

	for i := range c.Scenarios {
		validateScenario(fmt.Sprintf("scenarios[%d]", i), &c.Scenarios[i], errs)
	}
	validateOptions(&c.Options, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// validateServer validates a single server configuration.
func validateServer(prefix string, srv *ServerConfig, errs *ValidationErrors) {
	if srv.Name == "" {
		errs.Add(prefix+".name", "name is required")
	}
	if srv.GenericUser == "" {
		errs.Add(prefix+".genericUser", "genericUser is required")
	}

	if srv.Address == "" {
		errs.Add(prefix+".address", "address is required")
	} else if strings.ContainsAny(srv.Address, " /") {
		errs.Add(prefix+".address", fmt.Sprintf("address %q must be a host name or IP address", srv.Address))
	}

	if srv.BaseURL != "" {
		if u, err := url.Parse(srv.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs.Add(prefix+".baseUrl", fmt.Sprintf("invalid URL: %s", srv.BaseURL))
		}
	}

	if srv.Range == nil {
		if srv.IPRange != nil {
			errs.Add(prefix+".ipRange", "ipRange requires range")
		}
		return
	}

	if srv.Range.Start < 0 {
		errs.Add(prefix+".range.start", "start must be >= 0")
	}
	if srv.Range.End < srv.Range.Start {
		errs.Add(prefix+".range", fmt.Sprintf("end (%d) must be >= start (%d)", srv.Range.End, srv.Range.Start))
		return
	}

	if srv.IPRange == nil {
		errs.Add(prefix+".ipRange", "ipRange is required when range is set")
		return
	}

	start := net.ParseIP(srv.IPRange.Start).To4()
	end := net.ParseIP(srv.IPRange.End).To4()
	if start == nil {
		errs.Add(prefix+".ipRange.start", fmt.Sprintf("invalid IPv4 address: %q", srv.IPRange.Start))
	}
	if end == nil {
		errs.Add(prefix+".ipRange.end", fmt.Sprintf("invalid IPv4 address: %q", srv.IPRange.End))
	}
	if start == nil || end == nil {
		return
	}

	available := netaddr.AvailableCount(start, end)
	if available == 0 {
		errs.Add(prefix+".ipRange", fmt.Sprintf("%s - %s is not a usable address range", srv.IPRange.Start, srv.IPRange.End))
		return
	}
	if slots := srv.Slots(); available < slots {
		errs.Add(prefix+".ipRange", fmt.Sprintf("%d addresses available for %d users", available, slots))
	}
}

// validateScenario validates a single scenario configuration.
func validateScenario(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.Name == "" {
		errs.Add(prefix+".name", "name is required")
	}
	if sc.Repeat < 0 {
		errs.Add(prefix+".repeat", "repeat must be >= 0")
	}
	if mod := sc.ModuleName(); mod == ModuleCleanup {
		errs.Add(prefix+".module", "cleanup runs automatically and cannot be scheduled")
	} else if mod != "" && !scenarioModules[mod] {
		errs.Add(prefix+".module", fmt.Sprintf("unknown scenario module: %s", mod))
	}

	for i := range sc.Cases {
		validateCase(fmt.Sprintf("%s.cases[%d]", prefix, i), &sc.Cases[i], errs)
	}
}

func validateCase(prefix string, c *CaseConfig, errs *ValidationErrors) {
	if c.Body == nil {
		return
	}
	switch c.Body.Type {
	case BodyNone, "":
	case BodyUTF8Inline, BodyHTMLInline:
		if c.Body.Inline == "" {
			errs.Add(prefix+".body.inline", fmt.Sprintf("inline text is required for %s", c.Body.Type))
		}
	case BodyUTF8File, BodyHTMLFile, BodyRTFFile:
		if c.Body.File == "" {
			errs.Add(prefix+".body.file", fmt.Sprintf("file is required for %s", c.Body.Type))
		}
	default:
		errs.Add(prefix+".body.type", fmt.Sprintf("unknown body type: %s", c.Body.Type))
	}
}

func validateOptions(o *Options, errs *ValidationErrors) {
	if _, err := logging.ParseLevel(o.LogLevel); err != nil {
		errs.Add("options.logLevel", fmt.Sprintf("unknown log level: %s", o.LogLevel))
	}
	switch o.Interfaces {
	case "", "tap", "none":
	default:
		errs.Add("options.interfaces", fmt.Sprintf("unknown interface mode: %s", o.Interfaces))
	}
	if o.Grace < 0 {
		errs.Add("options.grace", "grace must be >= 0")
	}
	if o.LaunchRate < 0 {
		errs.Add("options.launchRate", "launchRate must be >= 0")
	}
}
