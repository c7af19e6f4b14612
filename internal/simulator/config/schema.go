// Package config provides configuration parsing and validation for mailsim.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a simulation run.
//
// Example YAML:
//
//	name: "nightly"
//	servers:
//	  - name: exchange
//	    address: 192.168.102.48
//	    realm: example.org
//	    genericUser: user
//	    genericPassword: secret
//	    range: { start: 1, end: 101 }
//	    ipRange: { start: 10.0.0.2, end: 10.0.0.254 }
//	scenarios:
//	  - name: sendmail
//	    repeat: 10
//	    cases:
//	      - name: small
//	        body: { type: utf8-inline, inline: "hello" }
type Config struct {
	// Name of the run (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Description of the run (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Options are process-wide settings
	Options Options `json:"options,omitempty" yaml:"options,omitempty"`

	// Servers lists every server a run can target
	Servers []ServerConfig `json:"servers" yaml:"servers"`

	// Scenarios are registered in order and scheduled round-robin
	Scenarios []ScenarioConfig `json:"scenarios,omitempty" yaml:"scenarios,omitempty"`

	// BaseDir is the directory of the loaded file. Relative body and
	// attachment paths resolve against it.
	BaseDir string `json:"-" yaml:"-"`
}

// Options contains settings that apply to every server.
type Options struct {
	// Database is the path of the profile database
	Database string `json:"database,omitempty" yaml:"database,omitempty"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`

	// Interfaces selects how per-client addresses are provided: "tap" or "none"
	Interfaces string `json:"interfaces,omitempty" yaml:"interfaces,omitempty"`

	// Grace is how long an interrupted run waits for workers before killing them
	Grace Duration `json:"grace,omitempty" yaml:"grace,omitempty"`

	// Timeout bounds a single request to the server
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MetricsAddr, when set, serves Prometheus metrics on this address
	MetricsAddr string `json:"metricsAddr,omitempty" yaml:"metricsAddr,omitempty"`

	// OTLPEndpoint, when set, exports module spans over OTLP/HTTP
	OTLPEndpoint string `json:"otlpEndpoint,omitempty" yaml:"otlpEndpoint,omitempty"`

	// LaunchRate caps worker launches per second; 0 launches all at once
	LaunchRate float64 `json:"launchRate,omitempty" yaml:"launchRate,omitempty"`

	// DumpData logs a hex dump of every request and response body
	DumpData bool `json:"dumpData,omitempty" yaml:"dumpData,omitempty"`
}

// ServerConfig describes one target server.
type ServerConfig struct {
	// Name identifies the server on the command line
	Name string `json:"name" yaml:"name"`

	// Version is informational (e.g. "2010")
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Address is the network address of the server. It is never bound
	// locally.
	Address string `json:"address" yaml:"address"`

	// Domain is the logon domain
	Domain string `json:"domain,omitempty" yaml:"domain,omitempty"`

	// Realm is appended to profile names and mailboxes
	Realm string `json:"realm,omitempty" yaml:"realm,omitempty"`

	// BaseURL is the server's HTTP endpoint. Empty selects the in-memory backend.
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// GenericUser is the user name prefix; ranged users are <user><index>
	GenericUser string `json:"genericUser" yaml:"genericUser"`

	// GenericPassword is shared by every simulated user
	GenericPassword string `json:"genericPassword" yaml:"genericPassword"`

	// Templates enables cloning ranged identities from the reference identity
	Templates bool `json:"templates,omitempty" yaml:"templates,omitempty"`

	// Range is the optional [start, end) span of user indices
	Range *UserRange `json:"range,omitempty" yaml:"range,omitempty"`

	// IPRange is the optional inclusive span of client source addresses
	IPRange *AddressRange `json:"ipRange,omitempty" yaml:"ipRange,omitempty"`
}

// UserRange is a half-open span of user indices.
type UserRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// AddressRange is an inclusive span of IPv4 addresses.
type AddressRange struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// Ranged reports whether the server simulates a range of users.
func (s *ServerConfig) Ranged() bool {
	return s.Range != nil
}

// Slots returns the number of simulated clients for the server.
func (s *ServerConfig) Slots() int {
	if s.Range == nil {
		return 1
	}
	return s.Range.End - s.Range.Start
}

// ScenarioConfig configures one scenario module.
type ScenarioConfig struct {
	// Name must be unique across scenarios
	Name string `json:"name" yaml:"name"`

	// Module selects the built-in implementation; defaults to Name
	Module string `json:"module,omitempty" yaml:"module,omitempty"`

	// Description is shown in logs
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Repeat is how many times the module runs per worker
	Repeat int `json:"repeat" yaml:"repeat"`

	// Cases are the individual actions of one invocation
	Cases []CaseConfig `json:"cases,omitempty" yaml:"cases,omitempty"`
}

// ModuleName returns the built-in module backing the scenario.
func (s *ScenarioConfig) ModuleName() string {
	if s.Module != "" {
		return s.Module
	}
	return s.Name
}

// CaseConfig is a single case of a scenario.
type CaseConfig struct {
	// Name identifies the case in timing logs
	Name string `json:"name" yaml:"name"`

	// Subject overrides the generated message subject
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"`

	// Body is the message body (sendmail)
	Body *BodyConfig `json:"body,omitempty" yaml:"body,omitempty"`

	// Attachments are file paths attached to the message (sendmail)
	Attachments []string `json:"attachments,omitempty" yaml:"attachments,omitempty"`

	// Folder is the folder to operate on (fetchmail, defaults to inbox)
	Folder string `json:"folder,omitempty" yaml:"folder,omitempty"`
}

// Body types accepted in CaseConfig.Body.Type.
const (
	BodyNone       = "none"
	BodyUTF8Inline = "utf8-inline"
	BodyHTMLInline = "html-inline"
	BodyUTF8File   = "utf8-file"
	BodyHTMLFile   = "html-file"
	BodyRTFFile    = "rtf-file"
)

// BodyConfig describes a message body.
type BodyConfig struct {
	Type   string `json:"type" yaml:"type"`
	Inline string `json:"inline,omitempty" yaml:"inline,omitempty"`
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration, or defaultValue if unset.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*d = 0
		return nil
	}
	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	dur, err := ParseDurationString(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(dur)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler, which TOML decoding
// uses for strings and integers alike.
func (d *Duration) UnmarshalText(b []byte) error {
	dur, err := ParseDurationString(string(b))
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
